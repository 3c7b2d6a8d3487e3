package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gammadia/batchmpi/cli/flags"
	"github.com/spf13/viper"
)

// Named after the package so gopls stops offering the standard log instead

// Base is the root logger every component logger derives from. Until Init
// runs, it only lets warnings through.
var Base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

var logger = Component("cli")

// Init rebuilds Base from the log flags, writing records to w.
func Init(w io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	handler, err := newHandler(w, viper.GetString(flags.LogFormat), &slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     level,
	})
	if err != nil {
		return err
	}

	Base = slog.New(handler)
	logger = Component("cli")
	return nil
}

func newHandler(w io.Writer, format string, options *slog.HandlerOptions) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, options), nil
	case "text":
		return slog.NewTextHandler(w, options), nil
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
}

// Component returns a child of Base tagged with the given component name.
func Component(name string) *slog.Logger {
	return Base.With("component", name)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}
