package reqflow

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig selects the level and output format of the client logger.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format  string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// NewLogger builds a zerolog logger from cfg. Output goes to out, or stderr
// when out is nil; a disabled config discards everything.
func NewLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if out == nil {
		out = os.Stderr
	}
	if !cfg.Enabled {
		out = io.Discard
	} else if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", "reqflow").
		Logger()
}
