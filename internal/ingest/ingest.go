package ingest

import (
	"context"
	"time"
)

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d, max time.Duration) time.Duration {
	if d <= 0 {
		return 200 * time.Millisecond
	}
	d *= 2
	if d > max {
		return max
	}
	return d
}
