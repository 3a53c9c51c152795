// Package download deduplicates concurrent upstream fetches. When several
// requests miss the cache for the same resource at once, only one upstream
// fetch is performed and its result is handed to every waiter.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func fetches a value from upstream.
// The context passed to Func is detached from any single request so that one
// caller timing out does not cancel the fetch for other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a new Downloader. A nil logger uses slog.Default.
func New[T any](logger *slog.Logger) *Downloader[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader[T]{logger: logger}
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the group, allowing a subsequent call to retry.
func (d *Downloader[T]) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key after a failed fetch so the next caller retries
// immediately. A caller's own deadline or cancellation says nothing about the
// fetch, which may still be in flight for others, so those are ignored.
func (d *Downloader[T]) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
