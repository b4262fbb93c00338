// Package log provides a process-wide structured logger, wrapping a
// zap.SugaredLogger behind package-level functions so callers throughout the
// engine never have to thread a logger through every constructor.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	logger = zap.NewNop().Sugar()
}

// SetGlobalLogger overrides the global logger used by this package's
// functions. Intended for process entrypoints and tests that want to inject
// a specific logger (e.g. zap.NewNop() to silence output).
func SetGlobalLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func global() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// ConfigureLogger builds a new SugaredLogger from config, installs it as the
// global logger, and returns it.
func ConfigureLogger(config zap.Config) *zap.SugaredLogger {
	zlog, err := config.Build()
	if err != nil {
		// Logging configuration errors happen before any logger exists;
		// fall back to zap's example logger so the process can
		// still report the problem.
		zlog = zap.NewExample()
	}
	sugar := zlog.Sugar()
	SetGlobalLogger(sugar)
	return sugar
}

// With returns a logger annotated with the given key-value pairs.
func With(args ...interface{}) *zap.SugaredLogger {
	return global().With(args...)
}

// Debugf logs at debug level.
func Debugf(template string, args ...interface{}) { global().Debugf(template, args...) }

// Infof logs at info level.
func Infof(template string, args ...interface{}) { global().Infof(template, args...) }

// Warnf logs at warn level.
func Warnf(template string, args ...interface{}) { global().Warnf(template, args...) }

// Errorf logs at error level.
func Errorf(template string, args ...interface{}) { global().Errorf(template, args...) }

// Fatalf logs at fatal level and then exits the process.
func Fatalf(template string, args ...interface{}) { global().Fatalf(template, args...) }

// Info logs args at info level.
func Info(args ...interface{}) { global().Info(args...) }

// Error logs args at error level.
func Error(args ...interface{}) { global().Error(args...) }
