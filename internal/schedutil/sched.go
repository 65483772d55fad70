// Package schedutil dispatches detached delayed work: fire-and-forget tasks
// that must not block the triggering update but should still finish with
// their own deadline. The media group flush and the staleness sweep run
// through it.
package schedutil

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultDelay   = 2 * time.Second
	defaultTimeout = 15 * time.Second
)

// AsyncAfter runs fn in a new goroutine after delay, under a fresh context
// bounded by timeout. Outcomes are logged under name; errors are swallowed.
func AsyncAfter(logger *slog.Logger, name string, delay, timeout time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if delay < 0 {
		delay = defaultDelay
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			<-timer.C
			timer.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			if logger != nil {
				logger.Warn(name+"_failed", "error", err.Error())
			}
			return
		}
		if logger != nil {
			logger.Debug(name + "_ok")
		}
	}()
}
