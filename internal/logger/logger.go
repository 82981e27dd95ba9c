// Package logger provides the leveled, thread-safe diagnostic output used
// across every taskengine package. It wraps log/slog with a package-level
// *slog.Logger instead of threading a logger through every constructor.
package logger

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	current = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Set replaces the package-level logger. A larger program embedding the
// engine calls this to route taskengine's logs through its own handler.
func Set(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Get returns the current package-level logger.
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetLevel rebuilds the default text handler at the given level. Engine
// options have no logging field; verbosity changes only through this call.
func SetLevel(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	current = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// With returns a logger scoped to a component, e.g. logger.With("component", "workerpool").
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
