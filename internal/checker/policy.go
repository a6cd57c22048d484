package checker

import (
	"context"
	"time"
)

// Policy is the escalating-timeout retry policy shared by the checker and the
// reconciliation engine. Retry indexes start at 0.
type Policy struct {
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	Retries        int
	RetryDelay     time.Duration
}

// DefaultPolicy returns the stock policy: 20s growing to 30s, two retries, 1s base delay.
func DefaultPolicy() Policy {
	return Policy{
		InitialTimeout: 20 * time.Second,
		MaxTimeout:     30 * time.Second,
		Retries:        2,
		RetryDelay:     time.Second,
	}
}

// Attempts is the total number of attempts (first try plus retries).
func (p Policy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// Timeout returns min(InitialTimeout*(retry+1), MaxTimeout).
func (p Policy) Timeout(retry int) time.Duration {
	t := p.InitialTimeout * time.Duration(retry+1)
	if p.MaxTimeout > 0 && t > p.MaxTimeout {
		t = p.MaxTimeout
	}
	return t
}

// Backoff returns the pause after a failed attempt: RetryDelay*(retry+1).
func (p Policy) Backoff(retry int) time.Duration {
	return p.RetryDelay * time.Duration(retry+1)
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run calls probe until it reports a live result, a non-retryable failure, or
// the attempts are exhausted. Each call receives the timeout for its retry
// index; the returned Result carries the 1-based attempt that produced it.
func (p Policy) Run(ctx context.Context, sleep SleepFunc, probe func(ctx context.Context, timeout time.Duration) Result) Result {
	if sleep == nil {
		sleep = Sleep
	}
	var res Result
	attempts := p.Attempts()
	for i := 0; i < attempts; i++ {
		res = probe(ctx, p.Timeout(i))
		res.Attempt = i + 1
		if res.Live || !res.Reason.Retryable() {
			return res
		}
		if i < attempts-1 {
			if err := sleep(ctx, p.Backoff(i)); err != nil {
				return res
			}
		}
	}
	return res
}
