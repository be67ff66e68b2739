package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Retryable decides whether a failed attempt may be retried. A nil
	// Retryable falls back to RetryableErrors, and retries everything when
	// both are empty.
	Retryable       func(error) bool
	RetryableErrors []error
	Logger          *zap.Logger
	// Sleep waits for d or until ctx is done. Tests replace it to avoid
	// real waiting.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns values in [0,1) for jitter.
	Rand func() float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         zap.NewNop(),
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return cfg
}

// Decision is the outcome of feeding an attempt result to a Machine.
type Decision int

const (
	// Done means the attempt succeeded.
	Done Decision = iota
	// Retry means another attempt should run after Machine.Delay.
	Retry
	// GiveUp means the error is final, either because it is not retryable
	// or because attempts are exhausted.
	GiveUp
)

func (d Decision) String() string {
	switch d {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Machine is the explicit retry state: attempt number and next delay.
// It performs no I/O so callers own sleeping and cancellation.
type Machine struct {
	cfg     Config
	attempt int
	delay   time.Duration
	next    time.Duration
	lastErr error
}

func NewMachine(cfg Config) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{cfg: cfg, delay: cfg.InitialDelay}
}

// Attempt is the number of the current attempt, 0 before the first Begin.
func (m *Machine) Attempt() int { return m.attempt }

// Begin marks the start of the next attempt and returns its number.
func (m *Machine) Begin() int {
	m.attempt++
	return m.attempt
}

// Delay is the jittered wait before the next attempt. Only meaningful after
// Advance returned Retry.
func (m *Machine) Delay() time.Duration { return m.next }

// LastErr is the error of the most recent failed attempt.
func (m *Machine) LastErr() error { return m.lastErr }

// Advance records the result of the current attempt.
func (m *Machine) Advance(err error) Decision {
	if err == nil {
		m.lastErr = nil
		return Done
	}
	m.lastErr = err

	if !m.retryable(err) || m.attempt >= m.cfg.MaxAttempts {
		return GiveUp
	}

	m.next = addJitter(m.delay, m.cfg.JitterFraction, m.cfg.Rand)
	m.delay = time.Duration(math.Min(float64(m.cfg.MaxDelay), float64(m.delay)*m.cfg.Multiplier))
	return Retry
}

func (m *Machine) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if m.cfg.Retryable != nil {
		return m.cfg.Retryable(err)
	}
	return isRetryable(err, m.cfg.RetryableErrors)
}

// Do runs operation until it succeeds, fails with a non-retryable error, or
// attempts run out. operation receives the 1-based attempt number.
func Do(ctx context.Context, cfg Config, operation func(attempt int) error) error {
	cfg = cfg.withDefaults()
	m := NewMachine(cfg)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempt := m.Begin()
		err := operation(attempt)

		switch m.Advance(err) {
		case Done:
			if attempt > 1 {
				cfg.Logger.Info("Operation succeeded after retry",
					zap.Int("attempt", attempt),
				)
			}
			return nil
		case GiveUp:
			cfg.Logger.Debug("Giving up on operation",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", cfg.MaxAttempts),
			)
			return err
		}

		cfg.Logger.Warn("Operation failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", m.Delay()),
		)

		if err := cfg.Sleep(ctx, m.Delay()); err != nil {
			return err
		}
	}
}

func DoWithResult[T any](ctx context.Context, cfg Config, operation func(attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(attempt int) error {
		var err error
		result, err = operation(attempt)
		return err
	})
	return result, err
}

func isRetryable(err error, retryableErrors []error) bool {
	if len(retryableErrors) == 0 {
		return true
	}

	for _, retryableErr := range retryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

func addJitter(duration time.Duration, jitterFraction float64, rnd func() float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}

	// Symmetric jitter in [-fraction, +fraction).
	offset := (rnd()*2 - 1) * jitterFraction
	return time.Duration(float64(duration) * (1 + offset))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
