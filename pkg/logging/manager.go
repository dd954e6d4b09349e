package logging

import (
	"fmt"
	"sync"
)

// The engine process carries one shared service logger, built once at startup
// and handed to every component.
var (
	serviceMu     sync.Mutex
	serviceLogger Logger
)

// InitServiceLogger builds the process-wide logger. The first successful call
// wins; later calls are no-ops.
func InitServiceLogger(config LoggerConfig) error {
	serviceMu.Lock()
	defer serviceMu.Unlock()
	if serviceLogger != nil {
		return nil
	}
	l, err := NewZapLogger(config)
	if err != nil {
		return fmt.Errorf("failed to build service logger: %w", err)
	}
	serviceLogger = l
	return nil
}

// GetServiceLogger panics when called before InitServiceLogger; main wires
// logging before any component starts.
func GetServiceLogger() Logger {
	serviceMu.Lock()
	defer serviceMu.Unlock()
	if serviceLogger == nil {
		panic("logging: service logger not initialized")
	}
	return serviceLogger
}

// Shutdown flushes buffered log entries. Sync errors on stdout are expected
// and ignored.
func Shutdown() {
	serviceMu.Lock()
	defer serviceMu.Unlock()
	if zl, ok := serviceLogger.(*ZapLogger); ok && zl != nil {
		_ = zl.logger.Sync()
	}
}
