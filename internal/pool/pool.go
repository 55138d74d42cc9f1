// Package pool runs blocking source calls under a fixed concurrency limit so
// they never stall the goroutines driving asynchronous sources.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/metrics"
)

// Policy decides what happens when every worker is busy and the queue is full.
type Policy string

// Saturation policies.
const (
	PolicyQueue  Policy = "queue"
	PolicyReject Policy = "reject"
)

var (
	// ErrSaturated is returned under PolicyReject when no slot is free.
	ErrSaturated = errors.New("blocking pool saturated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("blocking pool closed")
)

// Task is a blocking call.
type Task func() (enrich.Payload, error)

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
	Policy    Policy
}

type result struct {
	payload enrich.Payload
	err     error
}

// Pool bounds concurrent blocking calls. Workers slots run tasks; under
// PolicyReject at most QueueSize further callers may wait for one.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	running  *semaphore.Weighted
	admitted *semaphore.Weighted

	closing context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a pool allowing cfg.Workers concurrent calls.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pool workers must be > 0")
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("pool queue size must be >= 0")
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyQueue
	case PolicyQueue, PolicyReject:
	default:
		return nil, fmt.Errorf("unknown pool policy %q", cfg.Policy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		running:  semaphore.NewWeighted(int64(cfg.Workers)),
		admitted: semaphore.NewWeighted(int64(cfg.Workers + cfg.QueueSize)),
		closing:  closing,
		cancel:   cancel,
	}, nil
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.cfg.Workers }

func (p *Pool) run(fn Task) (res result) {
	metrics.IncBlockingBusy()
	defer metrics.DecBlockingBusy()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("blocking task panicked", zap.Any("panic", r))
			res = result{err: fmt.Errorf("blocking task panicked: %v", r)}
		}
	}()
	payload, err := fn()
	return result{payload: payload, err: err}
}

// Do runs fn once a slot is free and waits for its result. Under PolicyQueue
// it waits for a slot until ctx is done; under PolicyReject it fails fast
// with ErrSaturated once the workers and queue are full. If ctx ends while fn
// runs, Do returns and fn finishes in the background.
func (p *Pool) Do(ctx context.Context, fn Task) (enrich.Payload, error) {
	if p.closing.Err() != nil {
		return nil, ErrClosed
	}

	if p.cfg.Policy == PolicyReject {
		if !p.admitted.TryAcquire(1) {
			metrics.ObserveBlockingRejected()
			return nil, ErrSaturated
		}
		defer p.admitted.Release(1)
	}

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.running.Release(1)
		return nil, ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	done := make(chan result, 1)
	go func() {
		defer p.wg.Done()
		defer p.running.Release(1)
		done <- p.run(fn)
	}()

	select {
	case r := <-done:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("blocking call abandoned: %w", ctx.Err())
	}
}

// acquire takes a running slot, giving up when ctx ends or the pool closes.
func (p *Pool) acquire(ctx context.Context) error {
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(p.closing, stop)
	defer unhook()

	if err := p.running.Acquire(waitCtx, 1); err != nil {
		if p.closing.Err() != nil && ctx.Err() == nil {
			return ErrClosed
		}
		return fmt.Errorf("waiting for blocking worker: %w", ctx.Err())
	}
	return nil
}

// Close waits for running calls to return. Callers still waiting for a slot
// fail with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
