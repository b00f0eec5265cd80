package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a zerolog logger tagged with the running service's name
// and version, at the requested level and format.
func NewLogger(serviceName, serviceVersion, level, format string) zerolog.Logger {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	var logger zerolog.Logger

	if format == "console" || format == "pretty" {
		// Human-readable console output
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		// JSON output for production
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	return logger.With().Str("service", serviceName).Str("version", serviceVersion).Logger()
}

// WithComponent returns a logger tagged with component, the convention every
// engine subsystem (PublishEngine, health checker, notification breaker,
// demo transport) uses to identify its log lines.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
