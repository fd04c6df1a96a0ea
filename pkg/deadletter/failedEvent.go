package deadletter

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound          = errors.New("failed event not found")
	ErrInvalidTransition = errors.New("invalid failed event transition")
)

// Status is the lifecycle state of a FailedEvent.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusRetrying          Status = "RETRYING"
	StatusProcessed         Status = "PROCESSED"
	StatusFailed            Status = "FAILED"
	StatusMaxRetriesReached Status = "MAX_RETRIES_REACHED"
)

// Statuses lists every state in display order.
func Statuses() []Status {
	return []Status{StatusPending, StatusRetrying, StatusProcessed, StatusFailed, StatusMaxRetriesReached}
}

// Retryable reports whether the reprocessor still visits the state.
func (s Status) Retryable() bool {
	return s == StatusPending || s == StatusRetrying
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusProcessed, StatusFailed, StatusMaxRetriesReached:
		return true
	}
	return false
}

// Policy holds the retry budget and backoff bounds. Lease is how long a
// claimed event stays out of other claims while its attempt runs.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Lease      time.Duration
}

// Backoff returns min(base * 2^retryCount, capDelay).
func Backoff(base, capDelay time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 62 {
		retryCount = 62
	}
	multiplier := int64(1) << uint(retryCount)
	if int64(base) > math.MaxInt64/multiplier {
		return capDelay
	}
	if d := time.Duration(int64(base) * multiplier); d < capDelay {
		return d
	}
	return capDelay
}

// FailedEvent is a dead-lettered message waiting to be reprocessed.
type FailedEvent struct {
	ID               string
	OriginalTopic    string
	EventKey         string
	EventID          string
	EventPayload     string
	ExceptionMessage string
	StackTrace       string
	Status           Status
	RetryCount       int
	MaxRetries       int
	NextRetryAt      *time.Time
	LastRetryAt      *time.Time
	CreatedAt        time.Time
	ProcessedAt      *time.Time
	ProcessingNotes  string
}

func (e *FailedEvent) schedule(now time.Time, p Policy) {
	next := now.Add(Backoff(p.BaseDelay, p.MaxDelay, e.RetryCount))
	e.NextRetryAt = &next
}

func (e *FailedEvent) transitionErr(to Status) error {
	return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, e.Status, to, e.ID)
}

// StartRetry claims the event for one reprocessing attempt. nextRetryAt
// moves to the end of the lease so the row is only claimed again once it is
// also old enough to count as stuck.
func (e *FailedEvent) StartRetry(now time.Time, p Policy) error {
	if !e.Status.Retryable() {
		return e.transitionErr(StatusRetrying)
	}
	e.Status = StatusRetrying
	e.LastRetryAt = &now
	if p.Lease > 0 {
		leased := now.Add(p.Lease)
		e.NextRetryAt = &leased
		return nil
	}
	e.schedule(now, p)
	return nil
}

func (e *FailedEvent) Succeed(now time.Time) error {
	if e.Status != StatusRetrying {
		return e.transitionErr(StatusProcessed)
	}
	e.Status = StatusProcessed
	e.ProcessedAt = &now
	e.NextRetryAt = nil
	e.ProcessingNotes = fmt.Sprintf("Successfully reprocessed after %d retries", e.RetryCount)
	return nil
}

// Fail counts one failed attempt. The event goes back to PENDING with a new
// nextRetryAt, or to MAX_RETRIES_REACHED once the budget is spent.
func (e *FailedEvent) Fail(now time.Time, p Policy, cause error) error {
	if !e.Status.Retryable() {
		return e.transitionErr(StatusPending)
	}
	e.RetryCount++
	e.LastRetryAt = &now
	if cause != nil {
		e.ProcessingNotes = cause.Error()
	}
	limit := e.MaxRetries
	if limit <= 0 {
		limit = p.MaxRetries
	}
	if e.RetryCount >= limit {
		e.Status = StatusMaxRetriesReached
		e.NextRetryAt = nil
		return nil
	}
	e.Status = StatusPending
	e.schedule(now, p)
	return nil
}

// MarkUnrecoverable parks the event as FAILED. It is never retried again.
func (e *FailedEvent) MarkUnrecoverable(notes string) error {
	if e.Status == StatusProcessed {
		return e.transitionErr(StatusFailed)
	}
	e.Status = StatusFailed
	e.NextRetryAt = nil
	e.ProcessingNotes = notes
	return nil
}

// ResetStuck returns an abandoned RETRYING event to PENDING.
func (e *FailedEvent) ResetStuck(now time.Time, p Policy) error {
	if e.Status != StatusRetrying {
		return e.transitionErr(StatusPending)
	}
	e.Status = StatusPending
	e.ProcessingNotes = "Reset from stuck RETRYING state"
	e.schedule(now, p)
	return nil
}

// ResetRetry is the operator action that makes a parked event eligible again.
func (e *FailedEvent) ResetRetry(now time.Time, p Policy) error {
	if e.Status == StatusProcessed {
		return e.transitionErr(StatusPending)
	}
	e.Status = StatusPending
	e.RetryCount = 0
	e.ProcessingNotes = "Retry count reset manually"
	e.schedule(now, p)
	return nil
}
