// Package logger owns the library-wide zerolog instance. Host applications
// can replace it with their own logger via Set.
package logger

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu           sync.RWMutex
	globalLogger zerolog.Logger
	initialized  bool
)

// GetLogger returns the global logger, initializing a console logger at warn
// level on first use. A library should stay quiet unless asked otherwise.
func GetLogger() zerolog.Logger {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return globalLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		globalLogger = zerolog.New(consoleWriter).With().Timestamp().Logger().Level(zerolog.WarnLevel)
		initialized = true
	}
	return globalLogger
}

// For returns the global logger tagged with a component field.
func For(component string) zerolog.Logger {
	return GetLogger().With().Str("component", component).Logger()
}

// Set replaces the global logger, typically with one owned by the host.
func Set(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = l
	initialized = true
}

// New constructs a zerolog logger from level and format configuration and
// installs it as the global logger.
func New(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, err
	}

	var writer zerolog.Logger
	switch strings.ToLower(format) {
	case "json":
		writer = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console":
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		writer = zerolog.New(consoleWriter).With().Timestamp().Logger()
	default:
		return zerolog.Logger{}, errors.New("unsupported log format")
	}

	Set(writer.Level(lvl))
	return writer.Level(lvl), nil
}
