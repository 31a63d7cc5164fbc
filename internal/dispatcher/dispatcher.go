// Package dispatcher routes inbound events: it authorizes the sender,
// answers commands and hands voice notes to the worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"time"
	"voxscribe/internal/metrics"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"
	"voxscribe/pkg/resilience"

	"go.uber.org/zap"
)

const (
	MsgGreeting     = "Привет, %s! Я бот, который умеет конвертировать голосовые сообщения в текст.\nЧтобы начать, просто перешли мне голосовое сообщение."
	MsgHelp         = "Я могу конвертировать голосовые сообщения в текст.\nПросто перешли мне голосовое сообщение, которое ты слушать не хочешь!"
	MsgProcessing   = "Подождите немного, я обрабатываю голосовое сообщение :)"
	MsgUnauthorized = "Извините, этот бот доступен только его владельцу."
	MsgInstruction  = "Голосовое сообщение не найдено. Отправьте или перешлите мне голосовое сообщение."
)

type Replier interface {
	SendReply(ctx context.Context, chatID int64, text string) error
}

type Pipeline interface {
	Process(ctx context.Context, task *model.Task) error
}

// Spawner runs fn on a tracked goroutine
type Spawner interface {
	Go(ctx context.Context, fn func(ctx context.Context))
}

type Dispatcher struct {
	allowedUserID int64
	transport     Replier
	pipeline      Pipeline
	workers       Spawner
	retry         *resilience.Policy
	metrics       *metrics.Collector
	now           func() time.Time
}

func New(allowedUserID int64, transport Replier, pipeline Pipeline, workers Spawner, retry *resilience.Policy, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		allowedUserID: allowedUserID,
		transport:     transport,
		pipeline:      pipeline,
		workers:       workers,
		retry:         retry,
		metrics:       collector,
		now:           time.Now,
	}
}

// OnEvent handles one event without blocking on network I/O. Replies and
// voice processing run on worker goroutines.
func (d *Dispatcher) OnEvent(ctx context.Context, ev model.Event) {
	log := logger.With(
		zap.Int64("chat_id", ev.ChatID),
		zap.Int64("sender_id", ev.SenderID),
		zap.Int64("message_id", ev.MessageID),
		zap.String("kind", string(ev.Kind)))

	if ev.SenderID != d.allowedUserID {
		log.Warn("Rejected message from unauthorized user")
		d.replyAsync(ctx, ev.ChatID, MsgUnauthorized)
		return
	}

	switch ev.Kind {
	case model.EventVoice:
		task := model.NewTask(ev, d.now())
		log.Info("Voice message accepted", zap.String("task_id", task.ID))

		d.workers.Go(ctx, func(ctx context.Context) {
			d.reply(ctx, ev.ChatID, MsgProcessing)
			if err := d.pipeline.Process(ctx, task); err != nil {
				logger.Error("Voice task failed",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
		})

	case model.EventCommand:
		log.Info("Command received", zap.String("command", ev.Text))
		d.replyAsync(ctx, ev.ChatID, d.commandReply(ev))

	default:
		log.Debug("Non-voice message received")
		d.replyAsync(ctx, ev.ChatID, MsgInstruction)
	}
}

func (d *Dispatcher) commandReply(ev model.Event) string {
	switch ev.Text {
	case "/start":
		name := ev.SenderName
		if name == "" {
			name = "друг"
		}
		return fmt.Sprintf(MsgGreeting, name)
	case "/help":
		return MsgHelp
	default:
		return MsgInstruction
	}
}

func (d *Dispatcher) replyAsync(ctx context.Context, chatID int64, text string) {
	d.workers.Go(ctx, func(ctx context.Context) {
		d.reply(ctx, chatID, text)
	})
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	started := time.Now()
	err := d.retry.Do(ctx, metrics.OpReply, func(ctx context.Context) error {
		return d.transport.SendReply(ctx, chatID, text)
	})
	if d.metrics != nil {
		d.metrics.Observe(metrics.OpReply, started, err)
	}
	if err != nil {
		logger.Error("Failed to send reply",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}
