// Package logging provides structured logging for the sync core.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Logger provides structured logging on top of logrus.
type Logger struct {
	entry    *logrus.Logger
	minLevel LogLevel
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.RWMutex
)

// Init initializes the global logger with JSON output. Later calls are no-ops.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		setGlobal(New(out, minLevel, FormatJSON))
	})
}

// Configure replaces the global logger unconditionally.
func Configure(out io.Writer, minLevel LogLevel, format Format) {
	once.Do(func() {})
	setGlobal(New(out, minLevel, format))
}

func setGlobal(l *Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		mu.RLock()
		l = global
		mu.RUnlock()
	}
	return l
}

// New builds a standalone logger.
func New(out io.Writer, minLevel LogLevel, format Format) *Logger {
	lg := logrus.New()
	lg.SetOutput(out)
	lg.SetLevel(toLogrus(minLevel))
	if format == FormatText {
		lg.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	} else {
		lg.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	}
	return &Logger{entry: lg, minLevel: minLevel}
}

// ParseLevel maps a config string onto a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// MinLevel returns the configured threshold.
func (l *Logger) MinLevel() LogLevel {
	return l.minLevel
}

func (l *Logger) with(err error, context ...map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	e := l.entry.WithFields(fields)
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.with(nil, context...).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.with(nil, context...).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.with(nil, context...).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.with(err, context...).Error(message)
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
