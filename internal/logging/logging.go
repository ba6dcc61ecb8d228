// Package logging provides a single process-wide zerolog logger with
// per-component child loggers, in the convention every other package
// in this module depends on.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	base   zerolog.Logger
	mu     sync.RWMutex
	levels = map[string]zerolog.Level{}
)

func initBase() {
	level := zerolog.InfoLevel
	if tags := os.Getenv("CAMEL_DEBUG"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			switch strings.TrimSpace(tag) {
			case "sqlite", "dbtime", "dbtimets", "exception", "folder":
				level = zerolog.DebugLevel
			}
		}
	}
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component
// name, mirroring the rest of this module's call convention of
// logging.WithComponent("storedb") at every package boundary.
func WithComponent(name string) zerolog.Logger {
	once.Do(initBase)
	mu.RLock()
	lvl, ok := levels[name]
	mu.RUnlock()
	l := base.With().Str("component", name).Logger()
	if ok {
		l = l.Level(lvl)
	}
	return l
}

// SetLevel overrides the log level for one component, used by tests
// that want to quiet or amplify a specific subsystem.
func SetLevel(component string, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	levels[component] = level
}
