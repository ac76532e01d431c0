package lifecycle

import (
	"sync"
	"time"
)

var (
	mu           sync.RWMutex
	shutdownFrom time.Time
)

// BeginShutdown marks the process as draining from at. Call when SIGTERM/SIGINT is
// received. Health answers 503 shutting-down from then on. Later calls keep the first time.
func BeginShutdown(at time.Time) {
	mu.Lock()
	defer mu.Unlock()
	if shutdownFrom.IsZero() {
		shutdownFrom = at
	}
}

// IsShuttingDown reports whether BeginShutdown has been called.
func IsShuttingDown() bool {
	_, ok := ShutdownSince()
	return ok
}

// ShutdownSince returns when draining began, and false while the process is serving.
func ShutdownSince() (time.Time, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return shutdownFrom, !shutdownFrom.IsZero()
}

// Reset clears the shutdown mark. For tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	shutdownFrom = time.Time{}
}
