package klayquery

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger receives structured log lines as a message followed by alternating
// keys and values.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// NewSimpleLogger writes human readable lines to stderr at debug level.
func NewSimpleLogger() *ZerologLogger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(out).Level(zerolog.DebugLevel).With().Timestamp().Str("component", "klayquery").Logger())
}

func (l *ZerologLogger) Debug(msg string, keyvals ...any) {
	l.logger.Debug().Fields(keyvals).Msg(msg)
}

func (l *ZerologLogger) Info(msg string, keyvals ...any) {
	l.logger.Info().Fields(keyvals).Msg(msg)
}

func (l *ZerologLogger) Warn(msg string, keyvals ...any) {
	l.logger.Warn().Fields(keyvals).Msg(msg)
}

func (l *ZerologLogger) Error(msg string, keyvals ...any) {
	l.logger.Error().Fields(keyvals).Msg(msg)
}
