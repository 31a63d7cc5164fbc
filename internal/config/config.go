package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const DefaultPath = "configs/config.yaml"

const (
	BackendSpeechKit = "speechkit"
	BackendWhisper   = "whisper"

	ShutdownDrain  = "drain"
	ShutdownCancel = "cancel"
)

type Config struct {
	Telegram struct {
		Token         string        `yaml:"token" env:"TELEGRAM_BOT_TOKEN" validate:"required"`
		URL           string        `yaml:"url" env:"TELEGRAM_API_URL" env-default:"https://api.telegram.org"`
		AllowedUserID int64         `yaml:"allowed_user_id" env:"TELEGRAM_ALLOWED_USER_ID" validate:"required"`
		PollTimeout   time.Duration `yaml:"poll_timeout" env:"TELEGRAM_POLL_TIMEOUT" env-default:"10s"`
		MessageLimit  int           `yaml:"message_limit" env:"TELEGRAM_MESSAGE_LIMIT" env-default:"4096" validate:"gt=0"`
		SendRate      int           `yaml:"send_rate" env:"TELEGRAM_SEND_RATE" env-default:"20" validate:"gt=0"`
	} `yaml:"telegram"`

	Recognition struct {
		Backend  string `yaml:"backend" env:"RECOGNITION_BACKEND" env-default:"speechkit" validate:"oneof=speechkit whisper"`
		Language string `yaml:"language" env:"RECOGNITION_LANGUAGE" env-default:"ru-RU" validate:"required"`
		// Consecutive failures before the breaker opens and chunks fail fast.
		BreakerFailures uint32        `yaml:"breaker_failures" env:"RECOGNITION_BREAKER_FAILURES" env-default:"5"`
		BreakerTimeout  time.Duration `yaml:"breaker_timeout" env:"RECOGNITION_BREAKER_TIMEOUT" env-default:"30s"`
	} `yaml:"recognition"`

	SpeechKit struct {
		FolderID string `yaml:"folder_id" env:"YANDEX_FOLDER_ID"`
		APIKey   string `yaml:"api_key" env:"YANDEX_API_KEY"`
	} `yaml:"speechkit"`

	OpenAI struct {
		APIKey  string `yaml:"api_key" env:"OPENAI_API_KEY"`
		Model   string `yaml:"model" env:"OPENAI_MODEL" env-default:"whisper-1"`
		BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	} `yaml:"openai"`

	Audio struct {
		FFmpegPath       string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
		FFprobePath      string        `yaml:"ffprobe_path" env:"FFPROBE_PATH" env-default:"ffprobe"`
		SampleRate       int           `yaml:"sample_rate" env:"AUDIO_SAMPLE_RATE" env-default:"16000" validate:"gt=0"`
		ChunkDuration    time.Duration `yaml:"chunk_duration" env:"AUDIO_CHUNK_DURATION" env-default:"30s" validate:"gt=0"`
		ProcessTimeout   time.Duration `yaml:"process_timeout" env:"AUDIO_PROCESS_TIMEOUT" env-default:"60s" validate:"gt=0"`
		SilenceThreshold float64       `yaml:"silence_threshold" env:"AUDIO_SILENCE_THRESHOLD" env-default:"0" validate:"gte=0,lt=1"`
		TempDir          string        `yaml:"temp_dir" env:"AUDIO_TEMP_DIR" env-default:"tmp" validate:"required"`
	} `yaml:"audio"`

	Worker struct {
		ShutdownPolicy string        `yaml:"shutdown_policy" env:"WORKER_SHUTDOWN_POLICY" env-default:"drain" validate:"oneof=drain cancel"`
		DrainTimeout   time.Duration `yaml:"drain_timeout" env:"WORKER_DRAIN_TIMEOUT" env-default:"2m"`
	} `yaml:"worker"`

	Supervisor struct {
		MaxRestarts int           `yaml:"max_restarts" env:"SUPERVISOR_MAX_RESTARTS" env-default:"10" validate:"gt=0"`
		BaseBackoff time.Duration `yaml:"base_backoff" env:"SUPERVISOR_BASE_BACKOFF" env-default:"5s"`
		MaxBackoff  time.Duration `yaml:"max_backoff" env:"SUPERVISOR_MAX_BACKOFF" env-default:"5m"`
		MinUptime   time.Duration `yaml:"min_uptime" env:"SUPERVISOR_MIN_UPTIME" env-default:"10m"`
	} `yaml:"supervisor"`

	Retry struct {
		MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"3" validate:"gt=0"`
		BaseDelay   time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" env-default:"1s"`
		MaxDelay    time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"30s"`
	} `yaml:"retry"`

	Metrics struct {
		Dir string `yaml:"dir" env:"METRICS_DIR" env-default:"metrics" validate:"required"`
	} `yaml:"metrics"`

	Postgres struct {
		DSN            string `yaml:"dsn" env:"DATABASE_URL"`
		MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
	} `yaml:"postgres"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"ru-central1"`
	} `yaml:"s3"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	} `yaml:"redis"`

	Log struct {
		Debug bool   `yaml:"debug" env:"LOG_DEBUG" env-default:"false"`
		Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	} `yaml:"log"`
}

// LoadConfig reads path when it exists, applies env overrides and validates
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ReadConfig is LoadConfig without validation, for tooling commands that
// only need a few sections.
func ReadConfig(path string) (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	var cfg Config
	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read env: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks required fields and ranges
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.Recognition.Backend {
	case BackendSpeechKit:
		if cfg.SpeechKit.APIKey == "" {
			return fmt.Errorf("invalid config: YANDEX_API_KEY is required for the %s backend", BackendSpeechKit)
		}
	case BackendWhisper:
		if cfg.OpenAI.APIKey == "" {
			return fmt.Errorf("invalid config: OPENAI_API_KEY is required for the %s backend", BackendWhisper)
		}
	}

	if cfg.Supervisor.BaseBackoff > cfg.Supervisor.MaxBackoff {
		return fmt.Errorf("invalid config: supervisor base_backoff %s exceeds max_backoff %s",
			cfg.Supervisor.BaseBackoff, cfg.Supervisor.MaxBackoff)
	}

	if err := validateTempDir(cfg.Audio.TempDir, cfg.Metrics.Dir); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// validateTempDir rejects a temp dir that holds files the bot does not own.
// Startup sweeps delete stray files there.
func validateTempDir(tempDir, metricsDir string) error {
	temp, err := filepath.Abs(tempDir)
	if err != nil {
		return fmt.Errorf("failed to resolve temp_dir: %w", err)
	}
	wd, err := filepath.Abs(".")
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	metrics, err := filepath.Abs(metricsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve metrics dir: %w", err)
	}

	switch temp {
	case wd:
		return fmt.Errorf("audio temp_dir %q must not be the working directory", tempDir)
	case metrics:
		return fmt.Errorf("audio temp_dir %q must differ from metrics dir", tempDir)
	case filepath.Dir(temp):
		return fmt.Errorf("audio temp_dir %q must not be the filesystem root", tempDir)
	}

	return nil
}
