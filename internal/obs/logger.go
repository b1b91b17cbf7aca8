package obs

import "github.com/rs/zerolog"

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level. Unknown names map to Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return Debug
	case "warn", "WARN", "warning", "WARNING":
		return Warn
	case "error", "ERROR":
		return Error
	default:
		return Info
	}
}

// Logger is a minimal logging interface for observability.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(level Level, format string, args ...interface{}) {}

// ZerologLogger forwards to a zerolog.Logger. Fields attached to L (origin,
// component) are carried on every line.
type ZerologLogger struct {
	L   zerolog.Logger
	Min Level
}

func (z ZerologLogger) Logf(level Level, format string, args ...interface{}) {
	if level < z.Min {
		return
	}
	z.L.WithLevel(zerologLevel(level)).Msgf(format, args...)
}

// With returns a copy whose lines carry key=value.
func (z ZerologLogger) With(key, value string) ZerologLogger {
	return ZerologLogger{L: z.L.With().Str(key, value).Logger(), Min: z.Min}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.NoLevel
	}
}
