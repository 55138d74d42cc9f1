// Package memory records session events in memory for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

// Notifier stores published events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []enrich.SessionEvent
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Publish records event.
func (n *Notifier) Publish(_ context.Context, event enrich.SessionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded events.
func (n *Notifier) Events() []enrich.SessionEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]enrich.SessionEvent, len(n.events))
	copy(out, n.events)
	return out
}
