// Package watchdog finalizes sessions that stopped making progress, using
// only what the store has persisted.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/metrics"
	"github.com/JakeFAU/venue-enrichment/internal/store"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultInactivity = 3 * time.Minute
	DefaultInterval   = time.Minute
)

// FinalizerName identifies the watchdog in session events.
const FinalizerName = "watchdog"

// Config tunes reconciliation.
type Config struct {
	InactivityThreshold time.Duration
	Interval            time.Duration
}

// Action is what a sweep did with one session.
type Action string

// Sweep actions.
const (
	ActionSkipped   Action = "skipped_active"
	ActionFinalized Action = "finalized"
	ActionRaced     Action = "already_finalized"
	ActionError     Action = "error"
)

// SessionOutcome describes one session visited by a sweep.
type SessionOutcome struct {
	SessionID      string               `json:"session_id"`
	Action         Action               `json:"action"`
	Status         enrich.SessionStatus `json:"status,omitempty"`
	Processed      int                  `json:"processed"`
	CorrectedTotal int                  `json:"corrected_total,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	Checked   int              `json:"checked"`
	Finalized int              `json:"finalized"`
	Skipped   int              `json:"skipped"`
	Errors    int              `json:"errors"`
	Sessions  []SessionOutcome `json:"sessions"`
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock overrides the time source.
func WithClock(clock enrich.Clock) Option {
	return func(w *Watchdog) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithLogger sets the watchdog logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watchdog) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithNotifier publishes an event for every session the watchdog finalizes.
func WithNotifier(n enrich.Notifier) Option {
	return func(w *Watchdog) { w.notifier = n }
}

// Watchdog reconciles stalled processing sessions.
type Watchdog struct {
	store    store.Store
	cfg      Config
	clock    enrich.Clock
	logger   *zap.Logger
	notifier enrich.Notifier
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New builds a Watchdog over st.
func New(st store.Store, cfg Config, opts ...Option) *Watchdog {
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = DefaultInactivity
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	w := &Watchdog{store: st, cfg: cfg, clock: wallClock{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reconcile sweeps every processing session once. Failures on one session
// are recorded in the report and do not stop the sweep; the returned error
// is set only when the session list cannot be read.
func (w *Watchdog) Reconcile(ctx context.Context) (Report, error) {
	sessions, err := w.store.ListActiveSessions(ctx, enrich.SessionProcessing)
	if err != nil {
		return Report{}, fmt.Errorf("list processing sessions: %w", err)
	}

	report := Report{Checked: len(sessions), Sessions: make([]SessionOutcome, 0, len(sessions))}
	now := w.clock.Now()
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out := w.reconcileOne(ctx, sess, now)
		switch out.Action {
		case ActionFinalized:
			report.Finalized++
		case ActionError:
			report.Errors++
		default:
			report.Skipped++
		}
		report.Sessions = append(report.Sessions, out)
	}
	if report.Finalized > 0 || report.Errors > 0 {
		w.logger.Info("watchdog sweep finished",
			zap.Int("checked", report.Checked),
			zap.Int("finalized", report.Finalized),
			zap.Int("errors", report.Errors),
		)
	}
	return report, nil
}

func (w *Watchdog) reconcileOne(ctx context.Context, sess enrich.SessionState, now time.Time) SessionOutcome {
	log := w.logger.With(zap.String("session_id", sess.ID))
	out := SessionOutcome{SessionID: sess.ID}

	if sess.LastActivity != nil && now.Sub(*sess.LastActivity) < w.cfg.InactivityThreshold {
		out.Action = ActionSkipped
		return out
	}

	stats, err := w.store.GetSessionStats(ctx, sess.ID)
	if err != nil {
		log.Error("session stats failed", zap.Error(err))
		out.Action = ActionError
		out.Error = err.Error()
		return out
	}

	d := store.Decide(sess.DeclaredTotal, stats)
	out.Status = d.Status
	out.Processed = d.Processed
	out.CorrectedTotal = d.CorrectedTotal
	if err := store.Apply(ctx, w.store, sess.ID, d); err != nil {
		if errors.Is(err, store.ErrNotActive) {
			out.Action = ActionRaced
			return out
		}
		log.Error("finalize stalled session failed", zap.Error(err))
		out.Action = ActionError
		out.Error = err.Error()
		return out
	}

	out.Action = ActionFinalized
	metrics.ObserveWatchdogFinalization(string(d.Status))
	metrics.ObserveSession(string(d.Status))
	log.Warn("finalized stalled session",
		zap.String("status", string(d.Status)),
		zap.Int("processed", d.Processed),
		zap.Int("declared_total", sess.DeclaredTotal),
		zap.Int("actual_total", stats.Total),
	)

	if w.notifier != nil {
		total := sess.DeclaredTotal
		if d.CorrectedTotal > 0 {
			total = d.CorrectedTotal
		}
		event := enrich.SessionEvent{
			SessionID: sess.ID,
			Name:      sess.Name,
			Status:    d.Status,
			Processed: d.Processed,
			Total:     total,
			Finalizer: FinalizerName,
			At:        now,
		}
		if err := w.notifier.Publish(ctx, event); err != nil {
			log.Warn("publish session event failed", zap.Error(err))
		}
	}
	return out
}

// Run sweeps immediately and then every interval until ctx is done. A
// non-positive interval uses the configured one.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = w.cfg.Interval
	}
	w.logger.Info("watchdog started",
		zap.Duration("interval", interval),
		zap.Duration("inactivity_threshold", w.cfg.InactivityThreshold),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Reconcile(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("watchdog sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
		}
	}
}
