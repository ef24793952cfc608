// Package logging initializes the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
}

// Init configures the global logger. "auto" picks console output when
// stderr is a terminal, JSON otherwise.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	var out = os.Stderr
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	useConsole := format == "console" ||
		(format != "json" && term.IsTerminal(int(out.Fd())))

	logger := zerolog.New(out).With().Timestamp().Logger()
	if useConsole {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}
	if cfg.Component != "" {
		logger = logger.With().Str("component", cfg.Component).Logger()
	}
	log.Logger = logger
}
