package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	retries   []int
	delays    []time.Duration
	exhausted int
}

func (o *recordingObserver) OnRetry(op string, attempt int, delay time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, attempt)
	o.delays = append(o.delays, delay)
}

func (o *recordingObserver) OnExhausted(op string, attempts int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted = attempts
}

func testPolicy(attempts int, base time.Duration, obs Observer) *Policy {
	return NewPolicy(&RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    time.Second,
	}, nil, obs)
}

func TestPolicy_Backoff(t *testing.T) {
	p := &Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	obs := &recordingObserver{}
	p := testPolicy(4, 10*time.Millisecond, obs)

	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, obs.retries)
	assert.Zero(t, obs.exhausted)
	// 10ms + 20ms
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestPolicy_ExhaustsAndKeepsOriginalError(t *testing.T) {
	obs := &recordingObserver{}
	p := testPolicy(3, time.Millisecond, obs)
	original := errors.New("timeout")

	calls := 0
	err := p.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return Transient(original)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, original)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, obs.exhausted)
	assert.Len(t, obs.retries, 2)
}

func TestPolicy_FatalNotRetried(t *testing.T) {
	p := testPolicy(5, time.Millisecond, nil)
	original := errors.New("unauthorized")

	calls := 0
	err := p.Do(context.Background(), "send", func(ctx context.Context) error {
		calls++
		return Fatal(original)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, original)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestPolicy_UnclassifiedNotRetriedByDefault(t *testing.T) {
	p := testPolicy(5, time.Millisecond, nil)

	calls := 0
	err := p.Do(context.Background(), "send", func(ctx context.Context) error {
		calls++
		return errors.New("bad request")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_CustomClassifier(t *testing.T) {
	p := NewPolicy(&RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(err error) bool {
		return true
	}, nil)

	calls := 0
	err := p.Do(context.Background(), "any", func(ctx context.Context) error {
		calls++
		return errors.New("plain")
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
}

func TestPolicy_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := testPolicy(10, 100*time.Millisecond, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, "fetch", func(ctx context.Context) error {
		return Transient(errors.New("error"))
	})

	assert.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}

func TestPolicy_CanceledContextSkipsCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := testPolicy(3, time.Millisecond, nil).Do(ctx, "fetch", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestIsTransient(t *testing.T) {
	base := errors.New("x")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(Fatal(base)))
	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(Fatal(Transient(base))))
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Fatal(nil))
}
