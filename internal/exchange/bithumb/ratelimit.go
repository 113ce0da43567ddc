package bithumb

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMutationInterval is the minimum spacing between order-mutating calls.
const DefaultMutationInterval = 15 * time.Second

// ProgressFunc receives the whole seconds left while a mutation waits.
type ProgressFunc func(secondsRemaining int)

// mutationLimiter blocks order mutations until the interval since the previous
// mutation has elapsed, reporting a countdown once per second while waiting.
type mutationLimiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
	last     time.Time
	progress ProgressFunc
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func newMutationLimiter(interval time.Duration, progress ProgressFunc) *mutationLimiter {
	if interval <= 0 {
		interval = DefaultMutationInterval
	}
	return &mutationLimiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		progress: progress,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Wait blocks the caller until a mutation may be sent and returns how long it waited.
func (l *mutationLimiter) Wait(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.now()
	reservation := l.limiter.ReserveN(start, 1)
	// Float token math can land a few ns off the interval.
	delay := reservation.DelayFrom(start).Round(time.Millisecond)
	remaining := delay
	for remaining > 0 {
		if l.progress != nil {
			l.progress(int((remaining + time.Second - 1) / time.Second))
		}
		step := remaining
		if step > time.Second {
			step = time.Second
		}
		if err := l.sleep(ctx, step); err != nil {
			reservation.CancelAt(l.now())
			return delay - remaining, err
		}
		remaining -= step
	}
	if delay > 0 && l.progress != nil {
		l.progress(0)
	}
	l.last = l.now()
	return delay, nil
}

// Last is the time the previous mutation was released.
func (l *mutationLimiter) Last() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
