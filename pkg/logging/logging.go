// Package logging builds the logr.Logger handed to the runner, the task pool
// and the health server.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatStd     = "std"
)

// Levels accepted by ParseLevel.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

var ErrUnknownFormat = errors.New("unknown log format")

// Rotation limits for the log file.
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
)

// Options describes the logger to build.
type Options struct {
	Name   string
	Level  string
	Format string
	// File, when set, receives a copy of every entry and is rotated.
	File string
	// Out defaults to os.Stderr.
	Out io.Writer
}

// Logger is a built logger plus the resources behind it.
type Logger struct {
	logr.Logger
	RunID string

	sync   func() error
	closer io.Closer
}

// Sync flushes buffered entries and closes the log file. It is safe to call
// on a zero Logger.
func (l *Logger) Sync() error {
	var errs []error
	if l.sync != nil {
		errs = append(errs, l.sync())
	}
	if l.closer != nil {
		errs = append(errs, l.closer.Close())
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelInfo, "":
		return zapcore.InfoLevel, nil
	case LevelWarn, "warning":
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger from opts. Every entry carries a fresh run_id.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var file *lumberjack.Logger
	if opts.File != "" {
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
			Compress:   true,
		}
	}

	l := &Logger{RunID: uuid.NewString()}
	if file != nil {
		l.closer = file
	}

	switch strings.ToLower(opts.Format) {
	case FormatConsole, "":
		l.Logger, l.sync = newZap(zapcore.NewConsoleEncoder(encoderConfig()), out, file, level)
	case FormatJSON:
		l.Logger, l.sync = newZap(zapcore.NewJSONEncoder(encoderConfig()), out, file, level)
	case FormatStd:
		l.Logger = newStd(out, file, level)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}

	if opts.Name != "" {
		l.Logger = l.Logger.WithName(opts.Name)
	}
	l.Logger = l.Logger.WithValues("run_id", l.RunID)
	return l, nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func newZap(enc zapcore.Encoder, out io.Writer, file *lumberjack.Logger, level zapcore.Level) (logr.Logger, func() error) {
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(out), level)}
	if file != nil {
		// the file always gets JSON so it can be shipped as is
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(file), level))
	}
	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return zapr.NewLogger(zl), zl.Sync
}

func newStd(out io.Writer, file *lumberjack.Logger, level zapcore.Level) logr.Logger {
	w := out
	if file != nil {
		w = io.MultiWriter(out, file)
	}
	verbosity := 0
	if level <= zapcore.DebugLevel {
		verbosity = 1
	}
	stdr.SetVerbosity(verbosity)

	l := stdr.New(log.New(w, "", log.LstdFlags|log.Lmicroseconds))
	if level >= zapcore.WarnLevel {
		// logr only has info and error, so warn keeps errors alone too
		return logr.New(errorsOnly{l.GetSink()})
	}
	return l
}

// errorsOnly drops every Info line of the wrapped sink.
type errorsOnly struct {
	logr.LogSink
}

func (errorsOnly) Enabled(int) bool { return false }

func (s errorsOnly) WithValues(kv ...any) logr.LogSink {
	return errorsOnly{s.LogSink.WithValues(kv...)}
}

func (s errorsOnly) WithName(name string) logr.LogSink {
	return errorsOnly{s.LogSink.WithName(name)}
}
