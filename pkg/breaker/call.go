package breaker

import "context"

// Call runs op through the named breaker. On any failure, including a
// rejection by an open breaker, fallback is invoked synchronously with the
// error and its result is returned. A nil fallback returns the error as is.
func Call[T any](ctx context.Context, r *Registry, name string, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, err error) (T, error)) (T, error) {
	res, err := r.Get(name).execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		var zero T
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}

// Run is Call for operations without a result.
func Run(ctx context.Context, r *Registry, name string, op func(ctx context.Context) error, fallback func(ctx context.Context, err error) error) error {
	var fb func(ctx context.Context, err error) (struct{}, error)
	if fallback != nil {
		fb = func(ctx context.Context, err error) (struct{}, error) {
			return struct{}{}, fallback(ctx, err)
		}
	}
	_, err := Call(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, fb)
	return err
}
