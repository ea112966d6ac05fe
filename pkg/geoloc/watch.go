package geoloc

import (
	"context"
	"errors"
	"time"
)

// Watch starts continuous tracking and returns the stream of deduplicated
// readings. The goroutine polls the provider and emits at most one position
// per minimum interval, so downstream reporting is throttled at the source.
//
// The stream closes when the context ends or when the provider reports
// ErrPermissionDenied: once the user has refused, retrying would only
// trigger repeated permission prompts, so the watch self-terminates.
// Transient failures (timeout, unavailable) are logged and the loop keeps
// going.
func (c *Capture) Watch(ctx context.Context) <-chan Position {
	out := make(chan Position, 1)

	go func() {
		defer close(out)
		if c.provider == nil {
			c.logf("[geoloc] watch refused: no provider")
			return
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		var lastEmit time.Time
		poll := func() bool {
			pos, err := c.provider.CurrentPosition(ctx, ReadOptions{
				HighAccuracy: true,
				Timeout:      TransitionTimeout,
				MaxAge:       WatchMaxAge,
			})
			switch {
			case err == nil:
			case errors.Is(err, ErrPermissionDenied):
				c.logf("[geoloc] watch stopped: %v", err)
				return false
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return false
			default:
				c.logf("[geoloc] watch read failed, will retry: %v", err)
				return true
			}

			now := c.now()
			if !lastEmit.IsZero() && now.Sub(lastEmit) < c.interval {
				return true // too soon, drop the reading
			}
			select {
			case out <- pos:
				lastEmit = now
			case <-ctx.Done():
				return false
			default:
				// Receiver is behind; dropping one reading is harmless
				// because the next tick produces a fresher one.
			}
			return true
		}

		if !poll() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !poll() {
					return
				}
			}
		}
	}()

	return out
}
