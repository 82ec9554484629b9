package alert

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tradesys/botkeeper/pkg/logger"
	"github.com/tradesys/botkeeper/pkg/ratelimit"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier posts messages to a chat via the Bot API. Deliveries run
// through a sliding-window throttle so a crash loop cannot flood the chat;
// throttled messages are dropped, not queued.
type TelegramNotifier struct {
	client   *resty.Client
	token    string
	chatID   string
	throttle *ratelimit.SlidingWindow
}

func NewTelegramNotifier(cfg Config) (*TelegramNotifier, error) {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		return nil, fmt.Errorf("alert: telegram backend needs token and chat id")
	}
	maxPerMinute := cfg.MaxPerMinute
	if maxPerMinute <= 0 {
		maxPerMinute = 10
	}
	client := resty.New().
		SetBaseURL(telegramAPIBase).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &TelegramNotifier{
		client:   client,
		token:    cfg.TelegramToken,
		chatID:   cfg.TelegramChatID,
		throttle: ratelimit.NewSlidingWindow(maxPerMinute, time.Minute),
	}, nil
}

// SetBaseURL points the notifier at a different API host (tests).
func (t *TelegramNotifier) SetBaseURL(u string) { t.client.SetBaseURL(u) }

func (t *TelegramNotifier) Send(message string) error {
	if !t.throttle.Allow() {
		logger.Debugf("alert: throttled, dropping message: %s", message)
		return nil
	}

	resp, err := t.client.R().
		SetBody(map[string]string{
			"chat_id": t.chatID,
			"text":    message,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("alert: telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert: telegram send: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (t *TelegramNotifier) Close() error { return nil }
