package txn

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy configures one executor. It is copied into each run, so a run never
// observes changes made while it is in flight.
type Policy struct {
	// MaxAttempts bounds whole-transaction attempts, the first included.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelay is the wait before attempt 2.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps every wait, jitter included.
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiple"`
	// Jitter is the +/- bound added to each scheduled delay.
	Jitter time.Duration `yaml:"jitter"`
	// OperationRetries is how many times a read failing with a retryable
	// cause is resent on the same context before escalating.
	OperationRetries int           `yaml:"operation_retries"`
	OperationDelay   time.Duration `yaml:"operation_delay"`

	// Schedule overrides the exponential schedule. It receives the number of
	// the attempt about to start (2 for the first replay).
	Schedule func(attempt int) time.Duration `yaml:"-"`
}

// DefaultPolicy provides sensible defaults.
var DefaultPolicy = Policy{
	MaxAttempts:      5,
	InitialDelay:     100 * time.Millisecond,
	MaxDelay:         5 * time.Second,
	BackoffMultiple:  2.0,
	Jitter:           50 * time.Millisecond,
	OperationRetries: 1,
	OperationDelay:   20 * time.Millisecond,
}

// normalize fills zero fields from DefaultPolicy.
func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.BackoffMultiple < 1 {
		p.BackoffMultiple = DefaultPolicy.BackoffMultiple
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.OperationRetries < 0 {
		p.OperationRetries = 0
	}
	if p.OperationDelay < 0 {
		p.OperationDelay = 0
	}
	return p
}

// Delay returns the scheduled wait before attempt, without jitter, clamped to
// [0, MaxDelay].
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 2 {
		return 0
	}

	var d time.Duration
	if p.Schedule != nil {
		d = p.Schedule(attempt)
	} else {
		f := float64(p.InitialDelay) * math.Pow(p.BackoffMultiple, float64(attempt-2))
		if f > float64(p.MaxDelay) {
			f = float64(p.MaxDelay)
		}
		d = time.Duration(f)
	}

	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// jitterN returns a uniform value in [0, n).
var jitterN = rand.Int64N

// Wait returns Delay(attempt) shifted by a uniform jitter in [-Jitter, +Jitter],
// clamped to [0, MaxDelay].
func (p Policy) Wait(attempt int) time.Duration {
	p = p.normalize()
	d := p.Delay(attempt)
	if p.Jitter > 0 && attempt >= 2 {
		d += time.Duration(jitterN(2*int64(p.Jitter)+1)) - p.Jitter
	}
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// backoff returns the retry.Backoff driving one run. Next yields the wait
// before attempts 2..MaxAttempts and then stops.
func (p Policy) backoff() retry.Backoff {
	p = p.normalize()

	attempt := 1
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.Wait(attempt), false
	})
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
