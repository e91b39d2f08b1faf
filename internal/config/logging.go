package config

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging points the global logger at w using the configured level
// and format. Unknown levels fall back to info.
func SetupLogging(obs ObservabilityConfig, w io.Writer) {
	if obs.LogFormat != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(obs.LogLevel)
	if err != nil || obs.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}
