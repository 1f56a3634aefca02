package cursor

import (
	"context"
	"time"
)

// CanRequest reports whether more than RequestDelta has passed since the
// last request. It has no side effects.
func CanRequest(d Descriptor, now time.Time) bool {
	return now.Sub(d.LastRequest) > d.RequestDelta
}

// Until returns how long to wait before CanRequest becomes true.
func Until(d Descriptor, now time.Time) time.Duration {
	if CanRequest(d, now) {
		return 0
	}
	// The gate is strict, so wait one tick past the boundary.
	return d.LastRequest.Add(d.RequestDelta).Sub(now) + time.Nanosecond
}

// Wait blocks until d may be requested or ctx is done.
func Wait(ctx context.Context, d Descriptor, now time.Time) error {
	wait := Until(d, now)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
