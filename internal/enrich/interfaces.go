package enrich

import (
	"context"
	"time"
)

// SourceAdapter fetches data for an item from one independent source.
type SourceAdapter interface {
	Name() string
	Fetch(ctx context.Context, item WorkItem) (Payload, error)
}

// BlockingAdapter marks adapters whose calls hold a scarce resource (a
// browser, a synchronous client) and must run on the bounded blocking pool.
type BlockingAdapter interface {
	SourceAdapter
	Blocking() bool
}

// DependentAdapter fetches data that needs a value produced by another source.
type DependentAdapter interface {
	Name() string
	FetchWith(ctx context.Context, item WorkItem, input string) (Payload, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces session and work item IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Notifier publishes session lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, event SessionEvent) error
}
