package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"voxscribe/internal/audio"
	"voxscribe/internal/config"
	"voxscribe/internal/dispatcher"
	"voxscribe/internal/metrics"
	"voxscribe/internal/queue"
	"voxscribe/internal/recognizer"
	"voxscribe/internal/resource"
	"voxscribe/internal/speechkit"
	"voxscribe/internal/storage"
	"voxscribe/internal/supervisor"
	"voxscribe/internal/telegram"
	"voxscribe/internal/whisper"
	"voxscribe/internal/worker"
	"voxscribe/pkg/cache"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/resilience"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// closer collects shutdown hooks of the optional backends
type closer []func()

func (c closer) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Log.Debug, cfg.Log.Level); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting voxscribe",
		zap.String("backend", cfg.Recognition.Backend),
		zap.String("language", cfg.Recognition.Language),
		zap.String("shutdown_policy", cfg.Worker.ShutdownPolicy))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sv, closers, err := build(ctx, cfg)
	defer closers.Close()
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return err
	}

	err = sv.Run(ctx)
	if errors.Is(err, supervisor.ErrRestartLimit) {
		logger.Error("Stopped after too many failed poll sessions", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("voxscribe stopped")
	return nil
}

func build(ctx context.Context, cfg *config.Config) (*supervisor.Supervisor, closer, error) {
	var closers closer

	retry := resilience.NewPolicy(&resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, nil, resilience.LogObserver{})

	collector, err := newCollector(cfg, &closers)
	if err != nil {
		return nil, closers, err
	}

	resources, err := resource.NewManager(cfg.Audio.TempDir)
	if err != nil {
		return nil, closers, err
	}

	tg, err := telegram.NewClient(telegram.Config{
		Token:       cfg.Telegram.Token,
		URL:         cfg.Telegram.URL,
		PollTimeout: cfg.Telegram.PollTimeout,
		SendRate:    cfg.Telegram.SendRate,
	})
	if err != nil {
		return nil, closers, err
	}

	rec, err := newRecognizer(cfg)
	if err != nil {
		return nil, closers, err
	}

	converter := audio.NewFFmpeg(
		cfg.Audio.FFmpegPath,
		cfg.Audio.FFprobePath,
		cfg.Audio.SampleRate,
		cfg.Audio.ProcessTimeout,
	)

	processor := worker.NewProcessor(worker.Config{
		Language:         cfg.Recognition.Language,
		ChunkDuration:    cfg.Audio.ChunkDuration,
		MessageLimit:     min(cfg.Telegram.MessageLimit, telegram.MaxMessageLength),
		SilenceThreshold: cfg.Audio.SilenceThreshold,
	}, tg, converter, rec, resources, collector, retry)

	if cfg.Recognition.BreakerFailures > 0 {
		processor.WithBreaker(resilience.NewCircuitBreaker(
			cfg.Recognition.BreakerFailures,
			cfg.Recognition.BreakerTimeout,
		))
	}

	if err := attachBackends(ctx, cfg, processor, &closers); err != nil {
		return nil, closers, err
	}

	workers := supervisor.NewWorkers(cfg.Worker.ShutdownPolicy == config.ShutdownDrain)
	d := dispatcher.New(cfg.Telegram.AllowedUserID, tg, processor, workers, retry, collector)

	sv := supervisor.New(supervisor.Config{
		PollTimeout:  cfg.Telegram.PollTimeout,
		MaxRestarts:  cfg.Supervisor.MaxRestarts,
		BaseBackoff:  cfg.Supervisor.BaseBackoff,
		MaxBackoff:   cfg.Supervisor.MaxBackoff,
		MinUptime:    cfg.Supervisor.MinUptime,
		DrainTimeout: cfg.Worker.DrainTimeout,
	}, tg, d, workers, resources, collector, retry)

	return sv, closers, nil
}

func newCollector(cfg *config.Config, closers *closer) (*metrics.Collector, error) {
	store, err := metrics.NewFileStore(cfg.Metrics.Dir)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr == "" {
		return metrics.NewCollector(store), nil
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "voxscribe", 0)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, func() { redisCache.Close() })

	logger.Info("Redis metrics mirror enabled", zap.String("addr", cfg.Redis.Addr))
	return metrics.NewCollector(store, metrics.NewCacheStore(redisCache)), nil
}

func newRecognizer(cfg *config.Config) (recognizer.Recognizer, error) {
	switch cfg.Recognition.Backend {
	case config.BackendWhisper:
		return whisper.NewClient(whisper.Config{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		})
	case config.BackendSpeechKit:
		return speechkit.NewClient(cfg.SpeechKit.APIKey, cfg.SpeechKit.FolderID), nil
	default:
		return nil, fmt.Errorf("unknown recognition backend %q", cfg.Recognition.Backend)
	}
}

// attachBackends wires the optional task history, archive and result queue
func attachBackends(ctx context.Context, cfg *config.Config, processor *worker.Processor, closers *closer) error {
	if cfg.Postgres.DSN != "" {
		db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN, cfg.Postgres.MigrationsPath)
		if err != nil {
			return err
		}
		*closers = append(*closers, db.Close)
		processor.WithStore(db)
	}

	if cfg.S3.Bucket != "" {
		archive, err := storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
		})
		if err != nil {
			return err
		}
		processor.WithArchive(archive)
	}

	if cfg.RabbitMQ.URL != "" {
		mq, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		*closers = append(*closers, func() { mq.Close() })
		processor.WithPublisher(mq)
		logger.Info("RabbitMQ result publishing enabled")
	}

	return nil
}
