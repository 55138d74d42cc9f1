// Package pipeline runs the per-item extraction phases: independent sources
// concurrently, then an optional source that depends on one of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/venue-enrichment/internal/cache"
	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/metrics"
	"github.com/JakeFAU/venue-enrichment/internal/pool"
	"github.com/JakeFAU/venue-enrichment/internal/ratelimit"
)

// DefaultTimeout bounds a source call when neither the source nor the
// pipeline configures one.
const DefaultTimeout = 60 * time.Second

// Phase names used in logs.
const (
	PhasePending = "pending"
	Phase1       = "phase1_running"
	Phase2       = "phase2_running"
	PhaseDone    = "done"
)

// Source is a phase-1 adapter with its call settings.
type Source struct {
	Adapter   enrich.SourceAdapter
	Timeout   time.Duration
	Cacheable bool
}

// Dependent is the phase-2 adapter. It runs only when DependsOn succeeded
// and Resolve extracts its input from that payload.
type Dependent struct {
	Adapter   enrich.DependentAdapter
	DependsOn string
	Resolve   func(enrich.Payload) (string, bool)
	Timeout   time.Duration
	Cacheable bool
}

// Config lists the sources run for every item.
type Config struct {
	Sources        []Source
	Dependent      *Dependent
	DefaultTimeout time.Duration
}

// Observer sees every per-source outcome. Observers run serially after each
// phase completes.
type Observer func(source string, res enrich.SourceResult)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLimiter admits every uncached call through registry.
func WithLimiter(registry *ratelimit.Registry) Option {
	return func(p *Pipeline) { p.limits = registry }
}

// WithCache serves cacheable sources from c.
func WithCache(c *cache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithPool runs blocking adapters on bp.
func WithPool(bp *pool.Pool) Option {
	return func(p *Pipeline) { p.pool = bp }
}

// WithClock overrides the time source used for durations.
func WithClock(clock enrich.Clock) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline enriches one work item at a time; Process is safe for concurrent use.
type Pipeline struct {
	sources   []Source
	dependent *Dependent
	timeout   time.Duration
	limits    *ratelimit.Registry
	cache     *cache.Cache
	pool      *pool.Pool
	clock     enrich.Clock
	logger    *zap.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New validates cfg and builds a Pipeline.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("pipeline requires at least one source")
	}
	seen := make(map[string]bool, len(cfg.Sources)+1)
	for i, src := range cfg.Sources {
		if src.Adapter == nil {
			return nil, fmt.Errorf("source %d has no adapter", i)
		}
		name := src.Adapter.Name()
		if name == "" {
			return nil, fmt.Errorf("source %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate source %q", name)
		}
		seen[name] = true
	}
	if dep := cfg.Dependent; dep != nil {
		if dep.Adapter == nil {
			return nil, errors.New("dependent source has no adapter")
		}
		if seen[dep.Adapter.Name()] {
			return nil, fmt.Errorf("duplicate source %q", dep.Adapter.Name())
		}
		if !seen[dep.DependsOn] {
			return nil, fmt.Errorf("dependent source %q depends on unknown source %q", dep.Adapter.Name(), dep.DependsOn)
		}
		if dep.Resolve == nil {
			return nil, fmt.Errorf("dependent source %q has no resolver", dep.Adapter.Name())
		}
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Pipeline{
		sources:   append([]Source(nil), cfg.Sources...),
		dependent: cfg.Dependent,
		timeout:   timeout,
		clock:     wallClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SourceNames lists every configured source in run order.
func (p *Pipeline) SourceNames() []string {
	names := make([]string, 0, len(p.sources)+1)
	for _, src := range p.sources {
		names = append(names, src.Adapter.Name())
	}
	if p.dependent != nil {
		names = append(names, p.dependent.Adapter.Name())
	}
	return names
}

// Process runs every source for item and aggregates the outcomes. A failing
// source never cancels its siblings; ctx cancellation fails the sources that
// have not finished.
func (p *Pipeline) Process(ctx context.Context, item enrich.WorkItem, observers ...Observer) enrich.ExtractionResult {
	log := p.logger.With(zap.String("item_id", item.ID), zap.String("item", item.Name))
	log.Debug("item state", zap.String("phase", PhasePending))

	results := make([]enrich.SourceResult, len(p.sources))
	log.Debug("item state", zap.String("phase", Phase1))
	var g errgroup.Group
	for i, src := range p.sources {
		g.Go(func() error {
			results[i] = p.runSource(ctx, item, src.Adapter.Name(), src.Timeout, src.Cacheable, isBlocking(src.Adapter),
				func(callCtx context.Context) (enrich.Payload, error) {
					return src.Adapter.Fetch(callCtx, item)
				})
			return nil
		})
	}
	_ = g.Wait()

	sources := make(map[string]enrich.SourceResult, len(p.sources)+1)
	for i, src := range p.sources {
		name := src.Adapter.Name()
		sources[name] = results[i]
		notify(observers, name, results[i])
	}

	if dep := p.dependent; dep != nil {
		log.Debug("item state", zap.String("phase", Phase2))
		name := dep.Adapter.Name()
		res := p.runDependent(ctx, item, dep, sources[dep.DependsOn])
		sources[name] = res
		notify(observers, name, res)
	}

	out := enrich.NewExtractionResult(item, sources)
	log.Debug("item state", zap.String("phase", PhaseDone), zap.Bool("success", out.OverallSuccess))
	return out
}

func (p *Pipeline) runDependent(ctx context.Context, item enrich.WorkItem, dep *Dependent, upstream enrich.SourceResult) enrich.SourceResult {
	name := dep.Adapter.Name()
	if !upstream.Succeeded() {
		metrics.ObserveSourceFetch(name, string(enrich.OutcomeSkipped), 0)
		return enrich.Skipped(fmt.Sprintf("%s did not succeed", dep.DependsOn))
	}
	input, ok := dep.Resolve(upstream.Payload)
	if !ok {
		metrics.ObserveSourceFetch(name, string(enrich.OutcomeSkipped), 0)
		return enrich.Skipped(fmt.Sprintf("%s returned no usable input", dep.DependsOn))
	}
	return p.runSource(ctx, item, name, dep.Timeout, dep.Cacheable, false,
		func(callCtx context.Context) (enrich.Payload, error) {
			return dep.Adapter.FetchWith(callCtx, item, input)
		})
}

func (p *Pipeline) runSource(
	ctx context.Context,
	item enrich.WorkItem,
	name string,
	timeout time.Duration,
	cacheable bool,
	blocking bool,
	call func(context.Context) (enrich.Payload, error),
) enrich.SourceResult {
	start := p.clock.Now()
	log := p.logger.With(zap.String("source", name), zap.String("item", item.Name))

	var key string
	if p.cache != nil && cacheable {
		k, err := p.cache.Key(name, item)
		if err != nil {
			log.Warn("cache key failed", zap.Error(err))
		} else if payload, ok := p.cache.Get(k); ok {
			metrics.ObserveSourceFetch(name, "cache_hit", 0)
			return enrich.Ok(payload, true)
		} else {
			key = k
		}
	}

	if p.limits != nil {
		if err := p.limits.Acquire(ctx, name); err != nil {
			res := enrich.Failed(fmt.Errorf("%s: rate limiter: %w", name, err))
			metrics.ObserveSourceFetch(name, string(res.Outcome), 0)
			return res
		}
	}

	if timeout <= 0 {
		timeout = p.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	payload, err := p.invoke(callCtx, blocking, call)
	elapsed := p.clock.Now().Sub(start)

	if err == nil {
		if key != "" {
			p.cache.Set(key, payload, 0)
		}
		if p.limits != nil {
			p.limits.ResetErrors(name)
		}
		metrics.ObserveSourceFetch(name, string(enrich.OutcomeOK), elapsed)
		return enrich.Ok(payload, false).WithDuration(elapsed)
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", &enrich.TimeoutError{Source: name, After: timeout}, err)
		p.handleError(name, http.StatusGatewayTimeout)
	} else if code := enrich.StatusCode(err); code != 0 {
		p.handleError(name, code)
	}
	log.Debug("source failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	res := enrich.Failed(err).WithDuration(elapsed)
	metrics.ObserveSourceFetch(name, string(res.Outcome), elapsed)
	return res
}

func (p *Pipeline) handleError(name string, code int) {
	if p.limits == nil {
		return
	}
	p.limits.HandleError(name, code)
}

// invoke runs call honoring ctx even when the adapter ignores it. Blocking
// adapters go through the pool when one is configured.
func (p *Pipeline) invoke(ctx context.Context, blocking bool, call func(context.Context) (enrich.Payload, error)) (enrich.Payload, error) {
	if blocking && p.pool != nil {
		return p.pool.Do(ctx, func() (enrich.Payload, error) { return call(ctx) })
	}

	type outcome struct {
		payload enrich.Payload
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("source panicked: %v", r)}
			}
		}()
		payload, err := call(ctx)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case o := <-done:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isBlocking(a enrich.SourceAdapter) bool {
	b, ok := a.(enrich.BlockingAdapter)
	return ok && b.Blocking()
}

func notify(observers []Observer, name string, res enrich.SourceResult) {
	for _, o := range observers {
		if o != nil {
			o(name, res)
		}
	}
}

// ResolveURL returns a resolver that reads field from a payload and accepts
// it only when it is an absolute http(s) URL.
func ResolveURL(field string) func(enrich.Payload) (string, bool) {
	return func(payload enrich.Payload) (string, bool) {
		raw, ok := payload.String(field)
		if !ok {
			return "", false
		}
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", false
		}
		return raw, true
	}
}
