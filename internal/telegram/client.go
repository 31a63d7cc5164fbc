// Package telegram is the long-polling transport to the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"
	"voxscribe/pkg/resilience"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// MaxMessageLength is the Bot API limit for one text message
const MaxMessageLength = 4096

type Config struct {
	Token       string
	URL         string
	PollTimeout time.Duration
	// SendRate is the number of replies allowed per second.
	SendRate int
}

// Client fetches updates, downloads voice files and sends replies.
// FetchNextBatch is meant for a single polling goroutine; the other
// methods are safe for concurrent use.
type Client struct {
	bot        *tele.Bot
	httpClient *http.Client
	limiter    *resilience.RateLimiter

	mu     sync.Mutex
	offset int
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	rate := cfg.SendRate
	if rate <= 0 {
		rate = 20
	}

	// Long polls hold the connection for PollTimeout
	apiClient := &http.Client{Timeout: cfg.PollTimeout + 15*time.Second}

	tb, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Client:  apiClient,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Client{
		bot: tb,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: resilience.NewRateLimiter(rate, time.Second/time.Duration(rate)),
	}, nil
}

// FetchNextBatch long-polls for new updates and converts them to events.
// The offset advances past every returned update, including ones that
// carry nothing the bot handles.
func (c *Client) FetchNextBatch(ctx context.Context, timeout time.Duration) ([]model.Event, error) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	params := map[string]string{
		"offset":          strconv.Itoa(offset),
		"timeout":         strconv.Itoa(int(timeout / time.Second)),
		"allowed_updates": `["message"]`,
	}

	data, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to get updates: %w", err))
	}

	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, resilience.Fatal(fmt.Errorf("failed to unmarshal updates: %w", err))
	}

	events := make([]model.Event, 0, len(resp.Result))
	for _, upd := range resp.Result {
		c.mu.Lock()
		if upd.ID >= c.offset {
			c.offset = upd.ID + 1
		}
		c.mu.Unlock()

		ev, ok := EventFromUpdate(upd)
		if !ok {
			logger.Debug("Skipping unsupported update", zap.Int("update_id", upd.ID))
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// FetchFilePayload resolves fileRef and downloads the file contents
func (c *Client) FetchFilePayload(ctx context.Context, fileRef string) ([]byte, error) {
	var file tele.File
	err := c.do(ctx, func() error {
		var err error
		file, err = c.bot.FileByID(fileRef)
		return err
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to get file info: %w", err))
	}

	fileURL := c.bot.URL + "/file/bot" + c.bot.Token + "/" + file.FilePath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, resilience.Fatal(fmt.Errorf("failed to create download request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to download file: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, Classify(&tele.Error{
			Code:        resp.StatusCode,
			Description: fmt.Sprintf("failed to download file: status=%d", resp.StatusCode),
		})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to read file data: %w", err))
	}

	return data, nil
}

// SendReply sends text to chatID, waiting for the send rate limit
func (c *Client) SendReply(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	err := c.do(ctx, func() error {
		_, err := c.bot.Send(&tele.Chat{ID: chatID}, text)
		return err
	})
	if err != nil {
		return Classify(fmt.Errorf("failed to send message: %w", err))
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params map[string]string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, func() error {
		var err error
		data, err = c.bot.Raw(method, params)
		return err
	})
	return data, err
}

// do runs a blocking bot call and stops waiting for it once ctx is done
func (c *Client) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventFromUpdate maps a Telegram update to an event. Updates without a
// message are reported as not ok.
func EventFromUpdate(upd tele.Update) (model.Event, bool) {
	msg := upd.Message
	if msg == nil {
		return model.Event{}, false
	}

	ev := model.Event{
		UpdateID:  upd.ID,
		MessageID: int64(msg.ID),
	}
	if msg.Chat != nil {
		ev.ChatID = msg.Chat.ID
	}
	if msg.Sender != nil {
		ev.SenderID = msg.Sender.ID
		ev.SenderName = msg.Sender.FirstName
	}

	switch {
	case msg.Voice != nil:
		ev.Kind = model.EventVoice
		ev.FileRef = msg.Voice.FileID
		ev.Duration = msg.Voice.Duration
		ev.FileSize = int64(msg.Voice.FileSize)
		ev.MimeType = msg.Voice.MIME
	case strings.HasPrefix(msg.Text, "/"):
		ev.Kind = model.EventCommand
		ev.Text = commandName(msg.Text)
	default:
		ev.Kind = model.EventText
		ev.Text = msg.Text
	}

	return ev, true
}

// commandName strips arguments and the @botname suffix: "/start@vox x" -> "/start"
func commandName(text string) string {
	cmd := strings.Fields(text)[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}
