package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
	"voxscribe/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrTransient marks a failure that is likely to succeed on retry.
	ErrTransient = errors.New("transient error")
	// ErrFatal marks a failure that must not be retried.
	ErrFatal = errors.New("fatal error")
	// ErrRetriesExhausted is matched by the error returned once all retries failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

type classifiedError struct {
	err   error
	class error
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.err, e.class}
}

// Transient tags err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ErrTransient}
}

// Fatal tags err as non-retryable
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ErrFatal}
}

// IsTransient is the default classifier: only errors tagged with
// Transient are retried.
func IsTransient(err error) bool {
	if errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

type exhaustedError struct {
	op       string
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.op, e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() []error {
	return []error{e.err, ErrRetriesExhausted}
}

// Observer receives retry events, typically for logging
type Observer interface {
	OnRetry(op string, attempt int, delay time.Duration, err error)
	OnExhausted(op string, attempts int, err error)
}

// LogObserver reports retries through the global logger
type LogObserver struct{}

func (LogObserver) OnRetry(op string, attempt int, delay time.Duration, err error) {
	logger.Warn("Retrying operation",
		zap.String("operation", op),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
}

func (LogObserver) OnExhausted(op string, attempts int, err error) {
	logger.Error("Operation failed after retries",
		zap.String("operation", op),
		zap.Int("attempts", attempts),
		zap.Error(err))
}

// Classifier decides whether err is worth another attempt
type Classifier func(err error) bool

// Policy retries transient failures with bounded exponential backoff.
// MaxAttempts bounds the total number of calls; the delay after failed
// attempt n (0-based) is min(BaseDelay*2^n, MaxDelay).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classifier  Classifier
	Observer    Observer
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewPolicy builds a policy from config; a nil classifier means IsTransient
func NewPolicy(config *RetryConfig, classifier Classifier, observer Observer) *Policy {
	if classifier == nil {
		classifier = IsTransient
	}
	return &Policy{
		MaxAttempts: config.MaxAttempts,
		BaseDelay:   config.BaseDelay,
		MaxDelay:    config.MaxDelay,
		Classifier:  classifier,
		Observer:    observer,
	}
}

// Backoff returns the delay to wait after failed attempt number attempt (0-based)
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn, retrying transient failures. Sleeps between attempts end
// early when ctx is done, in which case ctx.Err() is returned.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	classify := p.Classifier
	if classify == nil {
		classify = IsTransient
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !classify(lastErr) {
			return lastErr
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		if p.Observer != nil {
			p.Observer.OnRetry(op, attempt+1, delay, lastErr)
		}

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}

	if p.Observer != nil {
		p.Observer.OnExhausted(op, maxAttempts, lastErr)
	}

	return &exhaustedError{op: op, attempts: maxAttempts, err: lastErr}
}
