package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"voxscribe/pkg/logger"

	"go.uber.org/zap"
)

// Workers tracks task goroutines so shutdown can wait for them.
//
// With drain enabled a worker runs on a context detached from the caller's
// cancellation and only stops early on Abort. Otherwise it receives the
// caller's context directly.
type Workers struct {
	drain  bool
	wg     sync.WaitGroup
	active atomic.Int64

	abort  context.Context
	cancel context.CancelFunc
}

func NewWorkers(drain bool) *Workers {
	abort, cancel := context.WithCancel(context.Background())
	return &Workers{
		drain:  drain,
		abort:  abort,
		cancel: cancel,
	}
}

// Go runs fn on a tracked goroutine
func (w *Workers) Go(ctx context.Context, fn func(ctx context.Context)) {
	if w.drain {
		ctx = context.WithoutCancel(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.abort, cancel)

	w.wg.Add(1)
	w.active.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.active.Add(-1)
		defer stop()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Worker panicked", zap.String("panic", fmt.Sprint(r)))
			}
		}()

		fn(ctx)
	}()
}

// Active returns the number of running workers
func (w *Workers) Active() int {
	return int(w.active.Load())
}

// Wait blocks until every worker returned or timeout elapsed and reports
// whether all of them finished. A non-positive timeout waits without bound.
func (w *Workers) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Abort cancels the context of every running and future worker
func (w *Workers) Abort() {
	w.cancel()
}
