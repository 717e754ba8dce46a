package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// AppName is stamped on every log entry as the "app" field.
const AppName = "discount-engine"

// NewLogger builds the process logger writing to stdout. Entries carry the
// app name and the ledger backend so instances running different backends
// can be told apart in aggregated logs.
func NewLogger(cfg *Config) zerolog.Logger {
	return newLogger(cfg.Logger, cfg.Ledger.Backend, os.Stdout)
}

func newLogger(cfg LoggerConfig, ledgerBackend string, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("app", AppName).
		Str("ledger", ledgerBackend).
		Logger()
}
