package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry hands out one Limiter per source. It is constructed once by the
// caller and shared by reference.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	opts      []Option

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates a Registry; overrides replace defaults for named sources.
func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		opts:      opts,
		limiters:  make(map[string]*Limiter),
	}
}

// Get returns the limiter for source, creating it on first use.
func (r *Registry) Get(source string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[source]; ok {
		return l
	}
	cfg := r.defaults
	if o, ok := r.overrides[source]; ok {
		cfg = o
	}
	l := New(source, cfg, r.opts...)
	r.limiters[source] = l
	return l
}

// Acquire waits for an admission slot on source.
func (r *Registry) Acquire(ctx context.Context, source string) error {
	return r.Get(source).Acquire(ctx)
}

// HandleError forwards an error status to source's limiter.
func (r *Registry) HandleError(source string, statusCode int) time.Duration {
	return r.Get(source).HandleError(statusCode)
}

// ResetErrors clears source's consecutive error count.
func (r *Registry) ResetErrors(source string) {
	r.Get(source).ResetErrors()
}

// Stats returns source's limiter stats.
func (r *Registry) Stats(source string) Stats {
	return r.Get(source).Stats()
}

// AllStats returns stats for every limiter created so far, sorted by source.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(limiters))
	for _, l := range limiters {
		out = append(out, l.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
