package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a task or transcript does not exist
var ErrNotFound = errors.New("not found")

// PostgresStorage keeps the task history and finished transcripts
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to databaseURL and applies the migrations
// found in migrationsPath.
func NewPostgresStorage(ctx context.Context, databaseURL, migrationsPath string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	if err := runMigrations(config.ConnConfig, migrationsPath); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

func runMigrations(connConfig *pgx.ConnConfig, migrationsPath string) error {
	sourceURL, err := migrationsURL(migrationsPath)
	if err != nil {
		return err
	}

	logger.Info("Running migrations", zap.String("path", sourceURL))

	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No new migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info("Migrations applied successfully")
	return nil
}

// migrationsURL turns a directory into a file:// source URL on every OS
func migrationsURL(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get migrations path: %w", err)
	}

	u := &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// CreateTask inserts a new task into the database
func (s *PostgresStorage) CreateTask(ctx context.Context, task *model.Task) error {
	query := `
		INSERT INTO tasks (
			id, message_id, chat_id, sender_id, file_ref, stage, status,
			chunk_count, recognized, error_text, meta, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.MessageID,
		task.ChatID,
		task.SenderID,
		task.FileRef,
		task.Stage,
		task.Status,
		task.ChunkCount,
		task.Recognized,
		task.ErrorText,
		task.Meta,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// UpdateTask writes the mutable progress fields of a task
func (s *PostgresStorage) UpdateTask(ctx context.Context, task *model.Task) error {
	query := `
		UPDATE tasks
		SET stage = $2, status = $3, chunk_count = $4, recognized = $5,
			error_text = $6, meta = $7, updated_at = $8
		WHERE id = $1`

	result, err := s.pool.Exec(ctx, query,
		task.ID,
		task.Stage,
		task.Status,
		task.ChunkCount,
		task.Recognized,
		task.ErrorText,
		task.Meta,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}

	return nil
}

func (s *PostgresStorage) GetTaskByID(ctx context.Context, id string) (*model.Task, error) {
	query := `
		SELECT id, message_id, chat_id, sender_id, file_ref, stage, status,
			chunk_count, recognized, error_text, meta, created_at, updated_at
		FROM tasks
		WHERE id = $1`

	var task model.Task
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&task.ID,
		&task.MessageID,
		&task.ChatID,
		&task.SenderID,
		&task.FileRef,
		&task.Stage,
		&task.Status,
		&task.ChunkCount,
		&task.Recognized,
		&task.ErrorText,
		&task.Meta,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &task, nil
}

// CreateTranscript inserts a new transcript into the database
func (s *PostgresStorage) CreateTranscript(ctx context.Context, transcript *model.Transcript) error {
	query := `
		INSERT INTO transcripts (id, task_id, text, chunk_count, recognized, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		transcript.ID,
		transcript.TaskID,
		transcript.Text,
		transcript.ChunkCount,
		transcript.Recognized,
		transcript.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transcript: %w", err)
	}

	return nil
}

func (s *PostgresStorage) GetTranscriptByTaskID(ctx context.Context, taskID string) (*model.Transcript, error) {
	query := `
		SELECT id, task_id, text, chunk_count, recognized, created_at
		FROM transcripts
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var transcript model.Transcript
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&transcript.ID,
		&transcript.TaskID,
		&transcript.Text,
		&transcript.ChunkCount,
		&transcript.Recognized,
		&transcript.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transcript for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	return &transcript, nil
}
