// Package logger provides the jumper's unified logging surface, a thin
// wrapper over log/slog that supports per-subsystem levels.
//
// Usage:
//
//	package stun
//
//	var log = logger.Logger("nat.stun")
//
//	func query(peer string) {
//	    log.Info("binding request sent", "peer", peer, "server", server)
//	    log.Warn("server mismatch", "peer", peer, "servers", servers)
//	}
//
// Environment:
//
//	# info everywhere, debug for the STUN resolver
//	YGGDRASIL_JUMPER_LOG_LEVEL=nat.stun=debug,info
//
//	YGGDRASIL_JUMPER_LOG_FORMAT=json
package logger

import (
	"log/slog"
	"sync"
)

var (
	// loggers caches one *slog.Logger per subsystem.
	loggers sync.Map // map[string]*slog.Logger

	// handlers caches the handler behind each logger, so its level can be
	// adjusted after creation.
	handlers sync.Map // map[string]*subsystemHandler

	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once
)

// Logger returns the logger for subsystem, creating it on first use.
// Repeated calls with the same subsystem return the same instance.
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	level := cfg.LevelForSubsystem(subsystem)

	handler := newHandler(subsystem, level, cfg.Format)
	l := slog.New(handler)

	actual, _ := loggers.LoadOrStore(subsystem, l)
	if h, ok := handler.(*subsystemHandler); ok {
		handlers.Store(subsystem, h)
	}

	return actual.(*slog.Logger)
}

// GlobalLogger returns the logger for subsystem "jumper", used for
// top-level startup/shutdown messages that don't belong to any one
// component.
func GlobalLogger() *slog.Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = Logger("jumper")
	})
	return globalLogger
}

// SetLevel adjusts a single subsystem's level at runtime.
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).SetLevel(level)
	}
}

// SetGlobalLevel adjusts every subsystem currently registered.
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, value any) bool {
		value.(*subsystemHandler).SetLevel(level)
		return true
	})
}

// Discard returns a logger that drops everything. Used by tests that don't
// want log output on the default fd.
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}

// With creates a logger with preset attributes.
func With(subsystem string, args ...any) *slog.Logger {
	return Logger(subsystem).With(args...)
}
