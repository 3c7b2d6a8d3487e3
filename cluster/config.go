package cluster

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultResizeTimeout  = 15 * time.Minute
	DefaultSubtaskTimeout = 10 * time.Minute
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Observer receives every state transition observed while waiting.
	// It is called synchronously from the polling goroutine.
	Observer func(Event) `json:"-"`

	PollInterval  time.Duration `json:"poll-interval"`
	ResizeTimeout time.Duration `json:"resize-timeout"`
	// ProvisionTimeout caps the node wait; zero leaves it bounded by the
	// control plane's resize timeout only.
	ProvisionTimeout time.Duration `json:"provision-timeout"`
	SubtaskTimeout   time.Duration `json:"subtask-timeout"`
	// ClampSubtaskWait bounds the nested subtask wait by what remains of the
	// outer deadline. Off by default, so a job can overrun its timeout by up to
	// SubtaskTimeout.
	ClampSubtaskWait bool `json:"clamp-subtask-wait"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   DefaultPollInterval,
		ResizeTimeout:  DefaultResizeTimeout,
		SubtaskTimeout: DefaultSubtaskTimeout,
	}
}

func Validate(config Config) error {
	if config.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be greater than 0")
	}
	if config.ResizeTimeout < 0 {
		return fmt.Errorf("resize-timeout must not be negative")
	}
	if config.ProvisionTimeout < 0 {
		return fmt.Errorf("provision-timeout must not be negative")
	}
	if config.SubtaskTimeout <= 0 {
		return fmt.Errorf("subtask-timeout must be greater than 0")
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

func (c Config) emit(event Event) {
	if c.Observer != nil {
		c.Observer(event)
	}
}
