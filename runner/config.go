package runner

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/batchmpi/cluster"
)

const (
	DefaultURLExpiry       = 120 * time.Minute
	DefaultTeardownTimeout = 5 * time.Minute
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Observer receives run steps and every cluster event.
	Observer func(Event) `json:"-"`
	// Confirm is asked before the pool is created. A nil Confirm proceeds.
	Confirm func(Plan) (bool, error) `json:"-"`

	Cluster cluster.Config `json:"cluster"`
	// Backend names the control plane in the ledger
	Backend string `json:"backend"`

	URLExpiry       time.Duration `json:"url-expiry"`
	TeardownTimeout time.Duration `json:"teardown-timeout"`
	// KeepOnFailure leaves every resource of a failed run in place, and in the ledger
	KeepOnFailure bool `json:"keep-on-failure"`

	// DownloadDir receives the output container once the run succeeds. Empty skips the download.
	DownloadDir string `json:"download-dir"`
	// Archive downloads the output as a single .tar.zst file instead of a directory
	Archive bool `json:"archive"`
}

func DefaultConfig() Config {
	return Config{
		Cluster:         cluster.DefaultConfig(),
		URLExpiry:       DefaultURLExpiry,
		TeardownTimeout: DefaultTeardownTimeout,
	}
}

func Validate(config Config) error {
	if err := cluster.Validate(config.Cluster); err != nil {
		return err
	}
	if config.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if config.URLExpiry <= 0 {
		return fmt.Errorf("url-expiry must be greater than 0")
	}
	if config.TeardownTimeout <= 0 {
		return fmt.Errorf("teardown-timeout must be greater than 0")
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
