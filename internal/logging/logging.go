// Package logging builds the one zerolog.Logger per worker/app thread
// that every other internal package logs through. Each logger carries
// a "thread" field identifying which worker or app it belongs to, the
// Go equivalent of the C runtime's per-thread log prefix.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log sink's encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures the process-wide logger.
type Config struct {
	Level  string
	Format Format
}

// New builds the base logger for the process. Per-thread loggers are
// derived from it via For.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().Timestamp().Str("service", "ringsocketd").Logger()
}

// For derives a per-thread logger, e.g. For(base, "worker", 0) or
// For(base, "app", 2). Every log line from that thread's goroutine
// carries this prefix, the equivalent of the original's thread-id
// string embedded in every rs_log call.
func For(base zerolog.Logger, kind string, index uint32) zerolog.Logger {
	return base.With().Str("thread", kind).Uint32("index", index).Logger()
}
