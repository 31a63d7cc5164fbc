package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"voxscribe/internal/audio"
	"voxscribe/internal/metrics"
	"voxscribe/internal/queue"
	"voxscribe/internal/recognizer"
	"voxscribe/internal/resource"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"
	"voxscribe/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Replies sent to the user
const (
	MsgNoSpeech        = "Не удалось распознать речь в голосовом сообщении."
	MsgDownloadFailed  = "Не удалось загрузить голосовое сообщение. Попробуйте отправить его ещё раз."
	MsgConvertFailed   = "Не удалось обработать аудио. Возможно, файл повреждён."
	MsgSplitFailed     = "Не удалось подготовить аудио к распознаванию."
	MsgProcessingError = "Извините, произошла ошибка при распознавании: %v"
)

// Timeout for bookkeeping done after the task context may have ended
const detachedTimeout = 10 * time.Second

// Transport is the part of the messenger client the pipeline needs
type Transport interface {
	FetchFilePayload(ctx context.Context, fileRef string) ([]byte, error)
	SendReply(ctx context.Context, chatID int64, text string) error
}

// TaskStore persists task progress and transcripts
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	UpdateTask(ctx context.Context, task *model.Task) error
	CreateTranscript(ctx context.Context, transcript *model.Transcript) error
}

// Archive keeps a copy of the source audio
type Archive interface {
	GenerateKey(taskID, extension string) string
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (string, error)
}

// ResultPublisher announces finished transcriptions
type ResultPublisher interface {
	PublishResult(ctx context.Context, result *queue.TranscriptionResult) error
}

type Config struct {
	Language         string
	ChunkDuration    time.Duration
	MessageLimit     int
	SilenceThreshold float64
}

type Processor struct {
	cfg        Config
	transport  Transport
	converter  audio.Converter
	recognizer recognizer.Recognizer
	resources  *resource.Manager
	metrics    *metrics.Collector
	retry      *resilience.Policy

	breaker   *resilience.CircuitBreaker
	store     TaskStore
	archive   Archive
	publisher ResultPublisher
}

// NewProcessor creates a new recognition pipeline
func NewProcessor(
	cfg Config,
	transport Transport,
	converter audio.Converter,
	rec recognizer.Recognizer,
	resources *resource.Manager,
	collector *metrics.Collector,
	retry *resilience.Policy,
) *Processor {
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = 4096
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 30 * time.Second
	}

	return &Processor{
		cfg:        cfg,
		transport:  transport,
		converter:  converter,
		recognizer: rec,
		resources:  resources,
		metrics:    collector,
		retry:      retry,
	}
}

// WithBreaker guards recognition calls with cb
func (p *Processor) WithBreaker(cb *resilience.CircuitBreaker) *Processor {
	p.breaker = cb
	return p
}

func (p *Processor) WithStore(store TaskStore) *Processor {
	p.store = store
	return p
}

func (p *Processor) WithArchive(archive Archive) *Processor {
	p.archive = archive
	return p
}

func (p *Processor) WithPublisher(publisher ResultPublisher) *Processor {
	p.publisher = publisher
	return p
}

// Process runs one voice note through download, conversion, chunking,
// recognition and reply. Every temporary file of the task is deleted
// before Process returns, whatever the outcome. A failure that ends the
// task is reported to the user with exactly one reply.
func (p *Processor) Process(ctx context.Context, task *model.Task) (err error) {
	started := time.Now()
	scope := p.resources.Scope(task.ID)

	logger.Info("Processing voice task",
		zap.String("task_id", task.ID),
		zap.Int64("chat_id", task.ChatID))

	defer func() {
		task.SetStage(model.StageCleanup)
		if relErr := scope.ReleaseAll(); relErr != nil {
			logger.Error("Failed to release task resources",
				zap.String("task_id", task.ID),
				zap.Error(relErr))
		}

		if err != nil {
			task.SetError(err.Error())
		} else {
			task.SetCompleted()
		}
		p.saveTask(ctx, task)
		p.metrics.Observe(metrics.OpVoiceProcessing, started, err)

		logger.Info("Voice task finished",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
			zap.Int("chunks", task.ChunkCount),
			zap.Int("recognized", task.Recognized),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
	}()

	task.SetInProgress()
	if p.store != nil {
		if err := p.store.CreateTask(ctx, task); err != nil {
			logger.Error("Failed to create task in database",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	source, err := p.acquire(ctx, task, scope)
	if err != nil {
		return p.fail(ctx, task, MsgDownloadFailed, err)
	}

	converted, err := p.convert(ctx, task, scope, source)
	if err != nil {
		return p.fail(ctx, task, MsgConvertFailed, err)
	}

	chunks, err := p.split(ctx, task, scope, converted)
	if err != nil {
		return p.fail(ctx, task, MsgSplitFailed, err)
	}

	if err := p.recognizeChunks(ctx, task, scope, chunks); err != nil {
		return p.fail(ctx, task, fmt.Sprintf(MsgProcessingError, err), err)
	}

	return p.report(ctx, task)
}

// acquire downloads the voice file into the task scope
func (p *Processor) acquire(ctx context.Context, task *model.Task, scope *resource.Scope) (*model.TemporaryResource, error) {
	p.setStage(ctx, task, model.StageAcquire)

	started := time.Now()
	var data []byte
	err := p.retry.Do(ctx, metrics.OpDownload, func(ctx context.Context) error {
		var err error
		data, err = p.transport.FetchFilePayload(ctx, task.FileRef)
		return err
	})
	p.metrics.Observe(metrics.OpDownload, started, err)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}

	logger.Info("File downloaded from Telegram",
		zap.String("task_id", task.ID),
		zap.Int("size", len(data)))

	f, res, err := scope.Create(model.StageAcquire, "source", ".ogg")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write source file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close source file: %w", err)
	}

	p.archiveSource(ctx, task, data)

	return res, nil
}

func (p *Processor) archiveSource(ctx context.Context, task *model.Task, data []byte) {
	if p.archive == nil {
		return
	}

	key := p.archive.GenerateKey(task.ID, ".ogg")
	url, err := p.archive.UploadFile(ctx, key, bytes.NewReader(data), "audio/ogg")
	if err != nil {
		logger.Warn("Failed to archive source audio",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	if task.Meta == nil {
		task.Meta = model.JSONB{}
	}
	task.Meta["archive_url"] = url

	logger.Debug("Source audio archived",
		zap.String("task_id", task.ID),
		zap.String("url", url))
}

// convert produces the mono PCM WAV and drops the source file
func (p *Processor) convert(ctx context.Context, task *model.Task, scope *resource.Scope, source *model.TemporaryResource) (*model.TemporaryResource, error) {
	p.setStage(ctx, task, model.StageConvert)

	out := scope.Reserve(model.StageConvert, "pcm", ".wav")

	started := time.Now()
	err := p.retry.Do(ctx, metrics.OpAudioConversion, func(ctx context.Context) error {
		return p.converter.Convert(ctx, source.Path, out.Path)
	})
	p.metrics.Observe(metrics.OpAudioConversion, started, err)
	if err != nil {
		return nil, fmt.Errorf("failed to convert audio: %w", err)
	}

	if err := scope.Release(source); err != nil {
		logger.Warn("Failed to release source file", zap.String("task_id", task.ID), zap.Error(err))
	}

	return out, nil
}

// split cuts the converted audio into chunk files. Any failed extraction
// aborts the task.
func (p *Processor) split(ctx context.Context, task *model.Task, scope *resource.Scope, converted *model.TemporaryResource) (chunks []model.AudioChunk, err error) {
	p.setStage(ctx, task, model.StageSplit)

	started := time.Now()
	defer func() {
		p.metrics.Observe(metrics.OpAudioSplitting, started, err)
	}()

	var duration float64
	err = p.retry.Do(ctx, metrics.OpAudioSplitting, func(ctx context.Context) error {
		var err error
		duration, err = p.converter.ProbeDuration(ctx, converted.Path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to probe duration: %w", err)
	}

	chunks = audio.PlanChunks(duration, p.cfg.ChunkDuration.Seconds())
	for i := range chunks {
		ch := &chunks[i]
		ch.Resource = scope.Reserve(model.StageSplit, fmt.Sprintf("chunk_%d_%d", ch.Index, int(ch.Start)), ".wav")

		err = p.retry.Do(ctx, metrics.OpAudioSplitting, func(ctx context.Context) error {
			return p.converter.Extract(ctx, converted.Path, ch.Resource.Path, ch.Start, ch.End)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to extract chunk %d: %w", ch.Index, err)
		}
	}

	if err := scope.Release(converted); err != nil {
		logger.Warn("Failed to release converted file", zap.String("task_id", task.ID), zap.Error(err))
	}

	task.ChunkCount = len(chunks)
	task.Fragments = make([]string, len(chunks))

	logger.Info("Audio split into chunks",
		zap.String("task_id", task.ID),
		zap.Float64("duration", duration),
		zap.Int("chunks", len(chunks)))

	return chunks, nil
}

// recognizeChunks fills task.Fragments in chunk order. A chunk that fails
// gets a placeholder; only cancellation stops the loop.
func (p *Processor) recognizeChunks(ctx context.Context, task *model.Task, scope *resource.Scope, chunks []model.AudioChunk) error {
	p.setStage(ctx, task, model.StageRecognize)

	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		text, err := p.recognizeChunk(ctx, ch)
		p.metrics.Observe(metrics.OpSpeechRecognition, started, err)

		if relErr := scope.Release(ch.Resource); relErr != nil {
			logger.Warn("Failed to release chunk",
				zap.String("task_id", task.ID),
				zap.Int("chunk", ch.Index),
				zap.Error(relErr))
		}

		switch {
		case err == nil:
			task.Fragments[ch.Index] = text
			task.Recognized++
		case errors.Is(err, recognizer.ErrNoSpeech):
			task.Fragments[ch.Index] = fmt.Sprintf("[Chunk %d could not be recognized]", ch.Index+1)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			fields := []zap.Field{
				zap.String("task_id", task.ID),
				zap.Int("chunk", ch.Index),
				zap.Error(err),
			}
			if p.breaker != nil {
				fields = append(fields, zap.Stringer("breaker", p.breaker.GetState()))
			}
			logger.Warn("Chunk recognition failed", fields...)
			task.Fragments[ch.Index] = fmt.Sprintf("[Error processing chunk %d: %v]", ch.Index+1, err)
			task.Failed++
		}
	}

	return nil
}

func (p *Processor) recognizeChunk(ctx context.Context, ch model.AudioChunk) (string, error) {
	pcm, err := audio.ReadPCM(ch.Resource.Path)
	if err != nil {
		return "", err
	}

	if audio.IsSilent(pcm, p.cfg.SilenceThreshold) {
		logger.Debug("Chunk below silence threshold",
			zap.Int("chunk", ch.Index),
			zap.Float64("seconds", ch.Duration()),
			zap.Float64("level", audio.Level(pcm)))
		return "", recognizer.ErrNoSpeech
	}

	// The breaker sees one outcome per chunk, after retries.
	var text string
	call := func() error {
		return p.retry.Do(ctx, metrics.OpSpeechRecognition, func(ctx context.Context) error {
			var err error
			text, err = p.recognizer.Recognize(ctx, pcm, p.cfg.Language)
			return err
		})
	}
	if p.breaker == nil {
		err = call()
	} else {
		err = p.breaker.Execute(call, recognizer.CountsAsFailure)
	}

	return text, err
}

// report sends the assembled text and records the result
func (p *Processor) report(ctx context.Context, task *model.Task) error {
	p.setStage(ctx, task, model.StageReport)

	// Silence everywhere gets the short reply; error placeholders are
	// shown as they are.
	if task.Recognized == 0 && task.Failed == 0 {
		logger.Info("No speech recognized", zap.String("task_id", task.ID))
		return p.reply(ctx, task.ChatID, MsgNoSpeech)
	}

	text := AssembleText(task.Fragments)
	for _, part := range SplitMessage(text, p.cfg.MessageLimit) {
		if err := p.reply(ctx, task.ChatID, part); err != nil {
			return err
		}
	}

	p.saveTranscript(ctx, task, text)
	p.publishResult(ctx, task, text)

	return nil
}

func (p *Processor) reply(ctx context.Context, chatID int64, text string) error {
	started := time.Now()
	err := p.retry.Do(ctx, metrics.OpReply, func(ctx context.Context) error {
		return p.transport.SendReply(ctx, chatID, text)
	})
	p.metrics.Observe(metrics.OpReply, started, err)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// fail sends the single failure reply for task and returns cause. The
// reply outlives cancellation so the user learns the note was dropped.
func (p *Processor) fail(ctx context.Context, task *model.Task, message string, cause error) error {
	logger.Error("Task processing error",
		zap.String("task_id", task.ID),
		zap.String("stage", string(task.Stage)),
		zap.Error(cause))

	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()

	if err := p.reply(replyCtx, task.ChatID, message); err != nil {
		logger.Error("Failed to send error reply",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	return cause
}

func (p *Processor) setStage(ctx context.Context, task *model.Task, stage model.Stage) {
	task.SetStage(stage)
	p.saveTask(ctx, task)
}

func (p *Processor) saveTask(ctx context.Context, task *model.Task) {
	if p.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
	defer cancel()

	if err := p.store.UpdateTask(ctx, task); err != nil {
		logger.Error("Failed to update task",
			zap.String("task_id", task.ID),
			zap.String("stage", string(task.Stage)),
			zap.Error(err))
	}
}

func (p *Processor) saveTranscript(ctx context.Context, task *model.Task, text string) {
	if p.store == nil {
		return
	}

	transcript := &model.Transcript{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		Text:       text,
		ChunkCount: task.ChunkCount,
		Recognized: task.Recognized,
		CreatedAt:  time.Now(),
	}

	if err := p.store.CreateTranscript(ctx, transcript); err != nil {
		logger.Error("Failed to save transcript",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (p *Processor) publishResult(ctx context.Context, task *model.Task, text string) {
	if p.publisher == nil {
		return
	}

	result := &queue.TranscriptionResult{
		TaskID:     task.ID,
		ChatID:     task.ChatID,
		MessageID:  task.MessageID,
		Text:       text,
		ChunkCount: task.ChunkCount,
		Recognized: task.Recognized,
		Success:    task.Recognized > 0,
		CreatedAt:  time.Now(),
	}

	if err := p.publisher.PublishResult(ctx, result); err != nil {
		logger.Error("Failed to publish result",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}
