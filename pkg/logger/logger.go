package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log = zap.NewNop()
	mu  sync.RWMutex
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Init initializes the logger with the specified configuration
func Init(development bool, level LogLevel) error {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	switch level {
	case DebugLevel:
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case InfoLevel:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case WarnLevel:
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case ErrorLevel:
		config.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	built, err := config.Build()
	if err != nil {
		return err
	}
	Set(built)
	return nil
}

// Set replaces the process logger (tests use zaptest/observer loggers).
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	log = l
	mu.Unlock()
}

// Get returns the logger instance; a no-op logger until Init is called
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Sync flushes any buffered log entries
func Sync() error {
	return Get().Sync()
}
