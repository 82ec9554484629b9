// Package alert delivers operator notifications for supervisor events such
// as unexpected bot exits and failed launches.
package alert

import "fmt"

// Notifier is the interface for sending alert messages.
type Notifier interface {
	Send(message string) error
	Close() error
}

// NoopNotifier is used when alerting is disabled.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Send(string) error { return nil }

func (n *NoopNotifier) Close() error { return nil }

// Config selects and parameterizes the notifier backend.
type Config struct {
	// Backend is "none" or "telegram".
	Backend string `yaml:"backend"`

	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`

	// MaxPerMinute bounds deliveries so a crash-looping bot cannot flood the
	// operator. 0 means the default of 10.
	MaxPerMinute int `yaml:"max_per_minute"`
}

// New builds the configured notifier; an empty backend means noop.
func New(cfg Config) (Notifier, error) {
	switch cfg.Backend {
	case "", "none":
		return NewNoopNotifier(), nil
	case "telegram":
		return NewTelegramNotifier(cfg)
	default:
		return nil, fmt.Errorf("alert: unknown backend %q", cfg.Backend)
	}
}
