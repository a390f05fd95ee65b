package notify

import (
	"context"
	"math/rand/v2"
	"time"

	"rentwatch/internal/transport"
)

// maxFloodWait is the longest Telegram-requested pause worth sitting out
// inside a cycle. Longer floods fail the listing; it is retried next cycle.
const maxFloodWait = 2 * time.Minute

// retryDelay is the pause before send attempt+1 after err. ok is false
// when the send should not be retried at all.
func retryDelay(cfg Config, attempt int, err error) (d time.Duration, ok bool) {
	if after, hinted := transport.RetryAfterHint(err); hinted {
		if after > maxFloodWait {
			return 0, false
		}
		// Telegram's value is a floor; add up to 10% so queued chats
		// do not all resume on the same tick.
		return after + time.Duration(rand.Float64()*0.1*float64(after)), true
	}

	base, ceil := cfg.RetryBase, cfg.RetryMaxDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceil <= 0 {
		ceil = 10 * time.Second
	}
	d = base << min(max(attempt-1, 0), 20)
	if d <= 0 || d > ceil {
		d = ceil
	}
	// 0.7x to 1.3x, never past the ceiling.
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, ceil), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// scale applies the bulk-ingest multiplier to a pacing delay.
func scale(d time.Duration, mult float64) time.Duration {
	if d <= 0 || mult <= 0 {
		return 0
	}
	return time.Duration(float64(d) * mult)
}
