package racevoice

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the bridge.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a structured logger. Pretty output goes through the
// console writer; otherwise raw JSON.
func NewLogger(level string, pretty bool, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(out)
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl).With().Timestamp().Logger()

	return &Logger{logger: logger}
}

// NopLogger discards everything; used in tests.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// LogConnectionEvent logs a connection lifecycle event.
func (l *Logger) LogConnectionEvent(event string, state ConnectionState) {
	l.logger.Info().
		Str("event_type", "connection").
		Str("event", event).
		Str("state", string(state)).
		Msg("connection event")
}

// LogVoiceError logs a VoiceError with its code and details.
func (l *Logger) LogVoiceError(err *VoiceError) {
	if err == nil {
		return
	}
	l.logger.Error().
		Str("error_code", err.Code).
		Fields(err.Details).
		Msg(err.Message)
}
