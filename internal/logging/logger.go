package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type Logger struct {
	format string
	base   zerolog.Logger
}

func New(format string) *Logger {
	return NewWithConfig(Config{Format: format})
}

func NewWithConfig(cfg Config) *Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter builds a logger that writes to out and, when cfg.File is set,
// to a size-rotated file as well.
func NewWithWriter(cfg Config, out io.Writer) *Logger {
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	writers := []io.Writer{formatWriter(cfg.Format, out)}
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		writers = append(writers, formatWriter(cfg.Format, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		}))
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	base := zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	return &Logger{format: cfg.Format, base: base}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.write(l.base.Debug(), msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.write(l.base.Info(), msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.write(l.base.Warn(), msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.write(l.base.Error(), msg, fields...)
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.base.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &Logger{format: l.format, base: ctx.Logger()}
}

func (l *Logger) write(evt *zerolog.Event, msg string, fields ...Field) {
	if evt == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			evt = evt.Str(f.Key, v)
		case error:
			evt = evt.AnErr(f.Key, v)
		case int:
			evt = evt.Int(f.Key, v)
		case bool:
			evt = evt.Bool(f.Key, v)
		case time.Duration:
			evt = evt.Str(f.Key, v.String())
		default:
			evt = evt.Interface(f.Key, v)
		}
	}
	evt.Msg(msg)
}

type Field struct {
	Key   string
	Value interface{}
}

func formatWriter(format string, out io.Writer) io.Writer {
	if strings.ToLower(format) == "text" {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}
	return out
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
