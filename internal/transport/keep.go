// ABOUTME: Resubscription loop that reopens dropped subscriptions with backoff
// ABOUTME: Used for presence tracking and per-conversation session subscriptions

package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Backoff bounds the delay between resubscribe attempts.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff is used when a zero Backoff is passed to Keep.
var DefaultBackoff = Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second}

// Delay returns the wait before retry number attempt (0-based), doubling
// from Min and capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Min
	for range attempt {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// OpenFunc opens one subscription.
type OpenFunc func(ctx context.Context) (Subscription, error)

// Keep keeps a subscription open until ctx is cancelled or the returned
// Subscription is closed. Whenever the current subscription ends on its own,
// or open fails, it is reopened after a backoff delay. ErrClosed from open
// ends the loop.
func Keep(ctx context.Context, logger *slog.Logger, name string, b Backoff, open OpenFunc) Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	if b.Min <= 0 || b.Max <= 0 {
		b = DefaultBackoff
	}

	loopCtx, cancel := context.WithCancel(ctx)
	handle := NewHandle(cancel)

	go func() {
		defer handle.Finish()

		attempt := 0
		for {
			sub, err := open(loopCtx)
			if err != nil {
				if loopCtx.Err() != nil {
					return
				}
				if errors.Is(err, ErrClosed) {
					logger.Debug("transport closed, giving up", "subscription", name)
					return
				}
				delay := b.Delay(attempt)
				attempt++
				logger.Warn("subscribe failed, retrying",
					"subscription", name,
					"error", err,
					"retry_in", delay)
				if !sleep(loopCtx, delay) {
					return
				}
				continue
			}

			openedAt := time.Now()
			select {
			case <-loopCtx.Done():
				sub.Close()
				return
			case <-sub.Done():
			}
			if loopCtx.Err() != nil {
				return
			}

			// A subscription that stayed up long enough resets the backoff;
			// one that keeps dropping right away backs off like a failure.
			if time.Since(openedAt) >= b.Max {
				attempt = 0
			}
			delay := b.Delay(attempt)
			attempt++
			logger.Info("subscription dropped, resubscribing",
				"subscription", name,
				"retry_in", delay)
			if !sleep(loopCtx, delay) {
				return
			}
		}
	}()

	return handle
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
