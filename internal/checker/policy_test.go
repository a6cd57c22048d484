package checker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyTimeoutEscalates(t *testing.T) {
	p := Policy{InitialTimeout: 20 * time.Second, MaxTimeout: 30 * time.Second, Retries: 2, RetryDelay: time.Second}

	assert.Equal(t, 3, p.Attempts())
	assert.Equal(t, 20*time.Second, p.Timeout(0))
	assert.Equal(t, 30*time.Second, p.Timeout(1))
	assert.Equal(t, 30*time.Second, p.Timeout(2))
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
}

func TestPolicyRun(t *testing.T) {
	p := Policy{InitialTimeout: time.Second, MaxTimeout: 10 * time.Second, Retries: 2, RetryDelay: 100 * time.Millisecond}

	t.Run("succeeds on third attempt", func(t *testing.T) {
		var timeouts, sleeps []time.Duration
		script := []Reason{ReasonTimeout, ReasonTimeout, ReasonOK}
		sleep := func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}
		res := p.Run(context.Background(), sleep, func(_ context.Context, timeout time.Duration) Result {
			r := script[len(timeouts)]
			timeouts = append(timeouts, timeout)
			return Result{Live: r == ReasonOK, Reason: r}
		})

		assert.True(t, res.Live)
		assert.Equal(t, 3, res.Attempt)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, timeouts)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps)
	})

	t.Run("semantic failure stops immediately", func(t *testing.T) {
		calls := 0
		res := p.Run(context.Background(), nil, func(context.Context, time.Duration) Result {
			calls++
			return Result{Reason: ReasonHTML}
		})
		assert.False(t, res.Live)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, res.Attempt)
	})

	t.Run("exhausts retries", func(t *testing.T) {
		calls := 0
		res := p.Run(context.Background(), func(context.Context, time.Duration) error { return nil },
			func(context.Context, time.Duration) Result {
				calls++
				return Result{Reason: ReasonNetwork}
			})
		assert.False(t, res.Live)
		assert.Equal(t, 3, calls)
		assert.Equal(t, ReasonNetwork, res.Reason)
	})
}
