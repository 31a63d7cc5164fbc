// Package supervisor owns the poll session lifecycle: it restarts failed
// sessions with backoff, stops at the restart ceiling and shuts down when
// its context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"
	"voxscribe/internal/metrics"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"
	"voxscribe/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRestartLimit is returned by Run once MaxRestarts sessions failed in a row
var ErrRestartLimit = errors.New("restart limit reached")

// abortGrace bounds the wait for workers after Abort
const abortGrace = 5 * time.Second

type Transport interface {
	FetchNextBatch(ctx context.Context, timeout time.Duration) ([]model.Event, error)
}

type Handler interface {
	OnEvent(ctx context.Context, ev model.Event)
}

type Sweeper interface {
	Sweep() (int, error)
}

type Config struct {
	PollTimeout  time.Duration
	MaxRestarts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MinUptime    time.Duration
	DrainTimeout time.Duration
}

type Supervisor struct {
	cfg       Config
	transport Transport
	handler   Handler
	workers   *Workers
	resources Sweeper
	metrics   *metrics.Collector
	retry     *resilience.Policy
	lifecycle lifecycle
	now       func() time.Time
}

func New(
	cfg Config,
	transport Transport,
	handler Handler,
	workers *Workers,
	resources Sweeper,
	collector *metrics.Collector,
	retry *resilience.Policy,
) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		transport: transport,
		handler:   handler,
		workers:   workers,
		resources: resources,
		metrics:   collector,
		retry:     retry,
		now:       time.Now,
	}
}

func (s *Supervisor) State() State {
	return s.lifecycle.State()
}

func (s *Supervisor) Restart() RestartState {
	return s.lifecycle.Restart()
}

// Run polls until ctx is cancelled, returning nil, or until MaxRestarts
// consecutive sessions failed, returning ErrRestartLimit.
func (s *Supervisor) Run(ctx context.Context) error {
	s.sweep("startup")

	for {
		s.lifecycle.setState(StateStarting)
		started := s.now()

		err := s.session(ctx)
		if ctx.Err() != nil {
			s.shutdown("shutdown")
			return nil
		}

		uptime := s.now().Sub(started)
		restarts := s.lifecycle.recordFailure(s.now(), uptime, s.cfg.MinUptime)

		logger.Error("Poll session ended",
			zap.Int("restarts", restarts),
			zap.Int("max_restarts", s.cfg.MaxRestarts),
			zap.Duration("uptime", uptime),
			zap.Error(err))
		s.metrics.LogSummary("restart")

		if restarts >= s.cfg.MaxRestarts {
			logger.Error("Restart limit reached, stopping",
				zap.Int("restarts", restarts))
			s.shutdown("restart_limit")
			return fmt.Errorf("%w: %d consecutive failed sessions: %w", ErrRestartLimit, restarts, err)
		}

		delay := s.Backoff(restarts)
		s.lifecycle.setState(StateBackoff)
		logger.Info("Restarting poll session", zap.Duration("delay", delay))

		if err := resilience.Sleep(ctx, delay); err != nil {
			s.shutdown("shutdown")
			return nil
		}
	}
}

// Backoff returns the delay before restart number restarts
func (s *Supervisor) Backoff(restarts int) time.Duration {
	delay := s.cfg.BaseBackoff * time.Duration(restarts)
	if s.cfg.MaxBackoff > 0 && delay > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return delay
}

// session fetches batches and dispatches their events until a fetch fails
// or ctx is done.
func (s *Supervisor) session(ctx context.Context) error {
	log := logger.With(zap.String("session_id", uuid.New().String()))
	log.Info("Poll session started")
	s.lifecycle.setState(StatePolling)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var events []model.Event
		err := s.retry.Do(ctx, "poll", func(ctx context.Context) error {
			var err error
			events, err = s.transport.FetchNextBatch(ctx, s.cfg.PollTimeout)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to fetch updates: %w", err)
		}

		for _, ev := range events {
			s.handler.OnEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) shutdown(reason string) {
	s.lifecycle.setState(StateShuttingDown)
	logger.Info("Shutting down",
		zap.String("reason", reason),
		zap.Int("active_workers", s.workers.Active()))

	if !s.workers.Wait(s.cfg.DrainTimeout) {
		logger.Warn("Workers still running after drain timeout, aborting",
			zap.Int("active_workers", s.workers.Active()),
			zap.Duration("drain_timeout", s.cfg.DrainTimeout))
		s.workers.Abort()
		s.workers.Wait(abortGrace)
	}

	s.sweep(reason)
	s.metrics.LogSummary(reason)
	s.lifecycle.setState(StateStopped)
}

func (s *Supervisor) sweep(reason string) {
	if _, err := s.resources.Sweep(); err != nil {
		logger.Error("Failed to sweep temp dir",
			zap.String("reason", reason),
			zap.Error(err))
	}
}
