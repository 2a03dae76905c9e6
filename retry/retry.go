// Package retry implements a full-jitter exponential backoff retry engine,
// the AWS/Google SRE "Full Jitter" algorithm applied to an arbitrary
// operation: sleep is drawn uniformly from [waitMin, min(waitMax,
// multiplier*expBase^(attempt-1))] between attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/remiges-tech/alya-core/internal/structvalidate"
	"github.com/remiges-tech/logharbour/logharbour"
)

// ErrRetryLogic is returned when the retry loop exits without either a
// successful result or a propagated failure -- a state that should be
// unreachable given a positive MaxAttempts, but is surfaced explicitly
// rather than silently returning a zero value.
var ErrRetryLogic = errors.New("retry: loop ended without success or failure")

// Config controls the retry loop's attempt budget and backoff shape.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `validate:"required,gte=1"`
	// WaitMin is the smallest possible sleep between attempts.
	WaitMin time.Duration `validate:"gte=0"`
	// WaitMax caps the computed backoff ceiling before jitter is applied.
	WaitMax time.Duration `validate:"gte=0"`
	// Multiplier scales the exponential term.
	Multiplier float64 `validate:"gte=0"`
	// ExpBase is the exponential base (2.0 gives doubling backoff).
	ExpBase float64 `validate:"gte=1"`
	// Reraise, when true (the default), propagates the last error once
	// MaxAttempts is exhausted. When false, the last error is swallowed
	// and Do returns nil.
	Reraise bool

	// RetryOn, when non-nil, is consulted after NeverRetryOn: a failure
	// is retryable only if RetryOn returns true for it. Allow-list
	// semantics.
	RetryOn func(error) bool
	// NeverRetryOn, when non-nil, is consulted first and takes
	// precedence: a failure matching it is never retried even if RetryOn
	// would have allowed it. Deny-list semantics.
	NeverRetryOn func(error) bool

	// Before runs before every attempt, including the first.
	Before func(attempt int)
	// After runs after every attempt that returns an error.
	After func(attempt int, err error)
	// BeforeSleep runs after a retryable failure, before the sleep.
	BeforeSleep func(attempt int, err error, sleep time.Duration)
}

// DefaultConfig mirrors the original's defaults (max_attempts=3,
// wait_min=1s, wait_max=60s, multiplier=1, exp_base=2, reraise=true).
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		WaitMin:     time.Second,
		WaitMax:     60 * time.Second,
		Multiplier:  1.0,
		ExpBase:     2.0,
		Reraise:     true,
	}
}

// Validate checks struct tags, then the cross-field invariants tags
// can't express.
func (c Config) Validate() error {
	if err := structvalidate.Struct(c); err != nil {
		return err
	}
	if c.WaitMin > c.WaitMax {
		return errors.New("retry: WaitMin must not exceed WaitMax")
	}
	return nil
}

// Engine runs operations under a fixed Config.
type Engine struct {
	cfg    Config
	logger *logharbour.Logger
	sleep  func(context.Context, time.Duration) error
	rand   func() float64
}

// New builds an Engine. A nil logger falls back to a no-op logharbour
// logger so call sites never need a nil check.
func New(cfg Config, logger *logharbour.Logger) *Engine {
	if logger == nil {
		logger = logharbour.NewLogger(&logharbour.LoggerContext{}, "retry", discardWriter{})
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		sleep:  ctxSleep,
		rand:   rand.Float64,
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func ctxSleep(ctx context.Context, d time.Duration) error {
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

// Do runs fn under the retry policy and returns its final error, or
// ErrRetryLogic if the loop somehow exits without resolving.
func (e *Engine) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult runs fn under the retry policy and returns its result on
// success, or the propagated failure per Config.Reraise.
func DoWithResult[T any](ctx context.Context, e *Engine, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if e.cfg.Before != nil {
			e.cfg.Before(attempt)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if e.cfg.After != nil {
			e.cfg.After(attempt, err)
		}

		if !e.retryable(err) {
			// Reraise only gates the "attempts exhausted" path below; a
			// non-retryable failure is never swallowed, since it was
			// never a candidate for retrying to begin with.
			return zero, err
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		sleep := e.backoff(attempt)
		if e.cfg.BeforeSleep != nil {
			e.cfg.BeforeSleep(attempt, err, sleep)
		}
		e.logger.Warn().LogActivity("retry: sleeping before next attempt", map[string]any{
			"attempt": attempt,
			"sleep":   sleep.String(),
			"error":   err.Error(),
		})
		if sleepErr := e.sleep(ctx, sleep); sleepErr != nil {
			return zero, sleepErr
		}
	}

	if lastErr == nil {
		return zero, ErrRetryLogic
	}
	if e.cfg.Reraise {
		return zero, lastErr
	}
	return zero, nil
}

// retryable applies deny-list-over-allow-list precedence: NeverRetryOn,
// when it matches, always wins; RetryOn, when set, must also allow it.
func (e *Engine) retryable(err error) bool {
	if e.cfg.NeverRetryOn != nil && e.cfg.NeverRetryOn(err) {
		return false
	}
	if e.cfg.RetryOn != nil {
		return e.cfg.RetryOn(err)
	}
	return true
}

// backoff computes the full-jitter sleep duration for the given attempt
// (1-indexed): a uniform draw from [WaitMin, min(WaitMax,
// Multiplier*ExpBase^(attempt-1))].
func (e *Engine) backoff(attempt int) time.Duration {
	ceiling := e.cfg.Multiplier * math.Pow(e.cfg.ExpBase, float64(attempt-1))
	ceilingDur := time.Duration(ceiling * float64(time.Second))
	if ceilingDur > e.cfg.WaitMax {
		ceilingDur = e.cfg.WaitMax
	}
	if ceilingDur < e.cfg.WaitMin {
		return e.cfg.WaitMin
	}
	span := ceilingDur - e.cfg.WaitMin
	jitter := time.Duration(e.rand() * float64(span))
	return e.cfg.WaitMin + jitter
}
