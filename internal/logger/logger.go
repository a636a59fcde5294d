// Package logger builds the zap loggers of the service from log.config.json.
package logger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Load reads every config file in paths and builds the loggers they declare.
// Missing files are skipped. A "default" logger always exists afterwards.
func Load(paths []string) (*Manager, error) {
	m := newManager()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			m.Close()
			return nil, fmt.Errorf("reading log config %q: %w", path, err)
		}

		var wrapper struct {
			Loggers map[string]Config `json:"loggers"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			m.Close()
			return nil, fmt.Errorf("parsing log config %q: %w", path, err)
		}

		for name, cfg := range wrapper.Loggers {
			if err := m.build(name, cfg); err != nil {
				m.Close()
				return nil, fmt.Errorf("logger %q from %q: %w", name, path, err)
			}
		}
	}

	if _, ok := m.lookup("default"); !ok {
		if err := m.build("default", DefaultConfig); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// New builds a single logger. The returned close function flushes and
// releases its outputs.
func New(name string, cfg Config) (*zap.Logger, func() error, error) {
	applyDefaults(&cfg)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        cfg.Encoding.TimeKey,
		LevelKey:       cfg.Encoding.LevelKey,
		NameKey:        cfg.Encoding.NameKey,
		CallerKey:      cfg.Encoding.CallerKey,
		MessageKey:     cfg.Encoding.MessageKey,
		StacktraceKey:  cfg.Encoding.StacktraceKey,
		LineEnding:     cfg.Encoding.LineEnding,
		EncodeLevel:    levelEncoder(cfg.Encoding.LevelEncoder),
		EncodeTime:     timeEncoder(cfg.Encoding.TimeEncoder),
		EncodeDuration: durationEncoder(cfg.Encoding.DurationEncoder),
		EncodeCaller:   callerEncoder(cfg.Encoding.CallerEncoder),
	}
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var (
		cores   []zapcore.Core
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	console := cfg.Development || cfg.LogToConsole
	if console {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = coloredLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stdout), level))
	}

	for _, path := range cfg.OutputPaths {
		switch path {
		case "stdout", "stderr":
			if console && path == "stdout" {
				continue
			}
			ws := os.Stdout
			if path == "stderr" {
				ws = os.Stderr
			}
			cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.Lock(ws), level))
			continue
		}

		var w io.WriteCloser
		if cfg.LogRotation.Enabled {
			w = rotatingFile(path, cfg.LogRotation)
		} else {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("opening log file %q: %w", path, err)
			}
			w = f
		}
		closers = append(closers, w.Close)

		var core zapcore.Core = zapcore.NewCore(jsonEncoder, zapcore.AddSync(w), level)
		if !cfg.Async.Disabled {
			async := NewAsyncCore(core, cfg.Async.BufferSize, cfg.Async.BatchSize,
				time.Duration(cfg.Async.FlushIntervalMS)*time.Millisecond)
			closers = append(closers, async.Close)
			core = async
		}
		cores = append(cores, core)
	}

	var core zapcore.Core = zapcore.NewTee(cores...)
	if len(cfg.Sanitization.SensitiveFields) > 0 {
		core = NewSanitizerCore(core, cfg.Sanitization.SensitiveFields, cfg.Sanitization.Mask)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	errOut, closeErrOut, err := zap.Open(cfg.ErrorOutputPaths...)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("opening error outputs: %w", err)
	}
	closers = append(closers, func() error { closeErrOut(); return nil })
	opts = append(opts, zap.ErrorOutput(errOut))

	logger := zap.New(core, opts...).Named(name)
	return logger, func() error {
		_ = logger.Sync()
		return closeAll()
	}, nil
}

func parseLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zap.InfoLevel
	}
	return l
}

func levelEncoder(name string) zapcore.LevelEncoder {
	switch strings.ToLower(name) {
	case "uppercase", "capital":
		return zapcore.CapitalLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

func timeEncoder(name string) zapcore.TimeEncoder {
	switch strings.ToLower(name) {
	case "epoch":
		return zapcore.EpochTimeEncoder
	case "millis":
		return zapcore.EpochMillisTimeEncoder
	case "nanos":
		return zapcore.EpochNanosTimeEncoder
	case "rfc3339":
		return zapcore.RFC3339TimeEncoder
	default:
		return zapcore.ISO8601TimeEncoder
	}
}

func durationEncoder(name string) zapcore.DurationEncoder {
	switch strings.ToLower(name) {
	case "seconds":
		return zapcore.SecondsDurationEncoder
	case "millis":
		return zapcore.MillisDurationEncoder
	case "nanos":
		return zapcore.NanosDurationEncoder
	default:
		return zapcore.StringDurationEncoder
	}
}

func callerEncoder(name string) zapcore.CallerEncoder {
	if strings.ToLower(name) == "full" {
		return zapcore.FullCallerEncoder
	}
	return zapcore.ShortCallerEncoder
}

func coloredLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var color string
	switch l {
	case zapcore.DebugLevel:
		color = "\x1b[36m"
	case zapcore.InfoLevel:
		color = "\x1b[32m"
	case zapcore.WarnLevel:
		color = "\x1b[33m"
	case zapcore.ErrorLevel:
		color = "\x1b[31m"
	default:
		color = "\x1b[35m"
	}
	enc.AppendString(color + l.CapitalString() + "\x1b[0m")
}

func rotatingFile(path string, r LogRotation) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}
}
