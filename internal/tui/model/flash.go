// Package model holds UI state that outlives a single draw.
package model

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Flash holds one transient notification.
type Flash struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	message string
	expires time.Time
}

// NewFlash creates an empty flash. A nil clock means the real one.
func NewFlash(clock clockwork.Clock) *Flash {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Flash{clock: clock}
}

// Set stores a message that expires after d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = f.clock.Now().Add(d)
}

// Get returns the current message, or "" once it expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.clock.Now().Before(f.expires) {
		return ""
	}
	return f.message
}
