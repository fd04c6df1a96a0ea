package events

import "errors"

// ErrMalformed reports a payload that cannot be decoded into its event type.
var ErrMalformed = errors.New("malformed event payload")

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as a failure that redelivery cannot fix.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err, or anything it wraps, was marked with
// NonRetryable or is a malformed/unknown-input error.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownTopic)
}
