// Package logging builds the zerolog.Logger every other package binds
// case-scoped fields onto, following the gateway's console-in-dev,
// JSON-in-prod convention.
package logging

import (
	"os"

	"github.com/caseflow/caseflow/internal/config"
	"github.com/rs/zerolog"
)

func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() && cfg.LogLevel == "info" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// ForCase binds the two identifiers that should appear on every log line
// produced while processing a refund case.
func ForCase(log zerolog.Logger, caseID, sourceMessageID string) zerolog.Logger {
	return log.With().Str("case_id", caseID).Str("source_message_id", sourceMessageID).Logger()
}
