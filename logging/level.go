package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity, ordered DEBUG < INFO < WARN < ERROR.
type Level int

const (
	// DEBUG is the most verbose level.
	DEBUG Level = iota
	// INFO is the default production level.
	INFO
	// WARN flags recoverable but noteworthy conditions.
	WARN
	// ERROR flags failures.
	ERROR
)

// AsZap converts to the equivalent zapcore.Level.
func (l Level) AsZap() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	default:
		return "unknown"
	}
}

// LevelFromString parses a level name, case-insensitively.
func LevelFromString(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// AtomicLevel is a concurrency-safe mutable Level, mirroring zap's AtomicLevel.
type AtomicLevel struct {
	inner zap.AtomicLevel
}

// NewAtomicLevelAt constructs an AtomicLevel seeded at level.
func NewAtomicLevelAt(level Level) AtomicLevel {
	return AtomicLevel{inner: zap.NewAtomicLevelAt(level.AsZap())}
}

// Get returns the current level.
func (a AtomicLevel) Get() Level {
	switch a.inner.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Set updates the current level.
func (a AtomicLevel) Set(level Level) {
	a.inner.SetLevel(level.AsZap())
}

// GlobalLogLevel is the process-wide zap.AtomicLevel consulted by shouldLog; setting
// it to Debug forces every logger in the process to emit Debug+ regardless of its own
// configured level, which is useful for blanket-enabling verbose output without
// threading a flag through every constructor call.
var GlobalLogLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// Appender receives formatted log entries. Any zapcore.Core (e.g. the observer
// package's test core) satisfies this interface, since its method set is a superset.
type Appender interface {
	Write(zapcore.Entry, []zapcore.Field) error
	Sync() error
}

// Logger is the tracker's structured, leveled logging interface. A Logger carries a
// name (dot-joined through Sublogger), its own level gate layered under the process
// global, and zero or more appenders.
type Logger interface {
	Debug(args ...interface{})
	CDebug(ctx context.Context, args ...interface{})
	Debugf(template string, args ...interface{})
	CDebugf(ctx context.Context, template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	CDebugw(ctx context.Context, msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})

	SetLevel(level Level)
	GetLevel() Level
	Level() zapcore.Level

	Sublogger(subname string) Logger
	AddAppender(appender Appender)

	AsZap() *zap.SugaredLogger
	Desugar() *zap.Logger
	Named(name string) *zap.SugaredLogger
	With(args ...interface{}) *zap.SugaredLogger
	WithOptions(opts ...zap.Option) *zap.SugaredLogger
	Sync() error
}

// DefaultTimeFormatStr is used by stdout/test appenders to render entry timestamps.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

func callerToString(c *zapcore.EntryCaller) string {
	return c.TrimmedPath()
}

type stdoutAppender struct {
	inUTC bool
}

// NewStdoutAppender returns an appender that writes plain-text lines to stdout in
// UTC, used by NewLogger/NewDebugLogger.
func NewStdoutAppender() Appender {
	return &stdoutAppender{inUTC: true}
}

// NewStdoutTestAppender is like NewStdoutAppender but renders in local time, matching
// NewTestAppender's convention for developer-facing test output.
func NewStdoutTestAppender() Appender {
	return &stdoutAppender{inUTC: false}
}

func (s *stdoutAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	ts := entry.Time
	if s.inUTC {
		ts = ts.UTC()
	}
	line := fmt.Sprintf("%s\t%s\t%s\t%s", ts.Format(DefaultTimeFormatStr), entry.Level.CapitalString(), entry.LoggerName, entry.Message)
	if entry.Caller.Defined {
		line = fmt.Sprintf("%s\t%s", line, callerToString(&entry.Caller))
	}
	fmt.Println(line)
	return nil
}

func (s *stdoutAppender) Sync() error { return nil }
