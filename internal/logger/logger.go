// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package logger wraps logrus with the formatter, output, and context
// conventions used across paper-ingest.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pdiddy/paper-ingest/pkg/types"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Fields is an alias for structured log fields.
type Fields = logrus.Fields

// Logger embeds a logrus entry so derived loggers keep their fields.
type Logger struct {
	*logrus.Entry

	closer io.Closer
}

// New builds a Logger from cfg. Output goes to w (stderr when nil) and, when
// cfg.File is set, to a size-rotated log file as well.
func New(cfg types.LogConfig, w io.Writer) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	if w == nil {
		w = os.Stderr
	}
	l := &Logger{}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		l.closer = rotating
		w = io.MultiWriter(w, rotating)
	}
	log.SetOutput(w)

	l.Entry = logrus.NewEntry(log).WithField("service", "paper-ingest")
	return l
}

// Discard returns a Logger that drops everything. Tests use it.
func Discard() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Logger{Entry: logrus.NewEntry(log)}
}

// Close releases the rotating log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// WithField returns a derived Logger with one more field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value), closer: l.closer}
}

// WithFields returns a derived Logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields), closer: l.closer}
}

// WithError returns a derived Logger carrying err.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err), closer: l.closer}
}

type contextKey struct{}

// WithContext returns ctx carrying l.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the Logger stored in ctx, or a discarding Logger.
func FromContext(ctx context.Context) *Logger {
	return FromContextOr(ctx, Discard())
}

// FromContextOr returns the Logger stored in ctx, or fallback when ctx
// carries none.
func FromContextOr(ctx context.Context, fallback *Logger) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
			return l
		}
	}
	return fallback
}
