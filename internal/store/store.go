package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotActive signals a write against a session or item that already
	// reached a terminal status.
	ErrNotActive = errors.New("record already finalized")
)

// Store persists sessions and their work items.
type Store interface {
	CreateSession(ctx context.Context, name string, declaredTotal int) (string, error)
	InsertWorkItems(ctx context.Context, sessionID string, items []enrich.WorkItem) ([]string, error)
	MarkProcessing(ctx context.Context, itemIDs []string) error
	RecordResult(ctx context.Context, itemID string, result enrich.ExtractionResult) error
	UpdateActivity(ctx context.Context, sessionID string) error
	GetSessionStats(ctx context.Context, sessionID string) (enrich.SessionStats, error)
	FinalizeSession(ctx context.Context, sessionID string, status enrich.SessionStatus, processed int) error
	CorrectDeclaredTotal(ctx context.Context, sessionID string, total int) error
	ListActiveSessions(ctx context.Context, status enrich.SessionStatus) ([]enrich.SessionState, error)
	GetSession(ctx context.Context, sessionID string) (enrich.SessionState, error)
}

// Decision is the terminal state derived from persisted item counts.
type Decision struct {
	Status    enrich.SessionStatus
	Processed int
	// CorrectedTotal is the declared total to write back, or 0 to keep it.
	CorrectedTotal int
}

// Decide maps persisted counts onto a terminal status. A session with no
// persisted items failed; otherwise it completed with processed equal to the
// items that reached a terminal status. The declared total is corrected to the
// persisted item count whenever they disagree.
func Decide(declaredTotal int, stats enrich.SessionStats) Decision {
	if stats.Total == 0 {
		return Decision{Status: enrich.SessionFailed}
	}
	d := Decision{Status: enrich.SessionCompleted, Processed: stats.Processed()}
	if declaredTotal != stats.Total {
		d.CorrectedTotal = stats.Total
	}
	return d
}

// Apply writes d for sessionID: the total correction first, then the
// terminal status.
func Apply(ctx context.Context, st Store, sessionID string, d Decision) error {
	if d.CorrectedTotal > 0 {
		if err := st.CorrectDeclaredTotal(ctx, sessionID, d.CorrectedTotal); err != nil {
			return err
		}
	}
	return st.FinalizeSession(ctx, sessionID, d.Status, d.Processed)
}
