package logger

import (
	"io"
	"os"

	"github.com/gaiahub/nodehub/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. In development it renders to a
// human-friendly console writer; otherwise it emits plain JSON, optionally
// to cfg.LogFile instead of stderr.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	} else if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			out = f
		}
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
