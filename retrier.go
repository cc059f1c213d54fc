package zonesync

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RetryPolicy bounds how often and how hard a failed operation is
// retried. Zero fields fall back to the defaults, so callers can set
// just the knobs they care about.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry when the server
	// gave no hint.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff curve.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each attempt.
	Multiplier float64
	// Jitter randomizes each delay by ±Jitter (0.25 means ±25%).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when EngineConfig.Policy is
// left zero: five attempts, three seconds doubling to a minute, ±25%
// jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 3 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
	}
}

// normalized fills zero or out-of-range fields with their defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}

	return p
}

// Backoff returns the jittered delay before retry number attempt
// (zero-based): InitialBackoff growing by Multiplier per attempt, capped
// at MaxBackoff, with ±Jitter randomness so synchronized clients spread
// out.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	jitter := backoff * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff + jitter)
}

// defaultMaxOutstanding caps concurrently scheduled retries per engine.
const defaultMaxOutstanding = 16

// Retrier runs deferred operations without blocking their caller. It
// exists for passive retries where nobody is waiting on the result: the
// operation fires on its own goroutine after the delay, the number of
// outstanding timers is capped, and operations still waiting when the
// retrier closes are dropped silently.
type Retrier struct {
	sem       *semaphore.Weighted
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewRetrier creates a Retrier allowing at most maxOutstanding scheduled
// operations at once. Zero or negative means the default cap.
func NewRetrier(maxOutstanding int64, logger *slog.Logger) *Retrier {
	if maxOutstanding <= 0 {
		maxOutstanding = defaultMaxOutstanding
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Retrier{
		sem:    semaphore.NewWeighted(maxOutstanding),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

// After schedules op to run once delay elapses. It never blocks: when
// the retrier is closed or already at its cap the operation is dropped
// and After returns false.
func (r *Retrier) After(delay time.Duration, op func()) bool {
	select {
	case <-r.quit:
		return false
	default:
	}

	if !r.sem.TryAcquire(1) {
		r.logger.Warn("retry dropped: too many outstanding retries")
		return false
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)

		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-t.C:
			op()
		case <-r.quit:
		}
	}()

	return true
}

// Close drops operations whose timers have not fired and waits for
// running ones to finish. Safe to call more than once.
func (r *Retrier) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
	})
	r.wg.Wait()
}

// sleepFunc waits out a delay, honoring context cancellation. Tests
// substitute instant fakes so nothing sleeps for real.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
