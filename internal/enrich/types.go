package enrich

import (
	"errors"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a processing session.
type SessionStatus string

// Session status values persisted in the store.
const (
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// ItemStatus tracks a work item through the store.
type ItemStatus string

// Item status values persisted in the store.
const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// WorkItem is one venue to enrich. It is not mutated once submitted; the
// scheduler hands the pipeline a copy carrying the persisted ID.
type WorkItem struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	Endpoints map[string]string `json:"endpoints,omitempty"`
}

// NaturalKey normalizes name and address into the identity used for caching.
func (w WorkItem) NaturalKey() string {
	return normalize(w.Name) + "|" + normalize(w.Address)
}

// Endpoint returns the source-specific locator for the item, if any.
func (w WorkItem) Endpoint(source string) string {
	if w.Endpoints == nil {
		return ""
	}
	return strings.TrimSpace(w.Endpoints[source])
}

// Validate rejects items that cannot be keyed.
func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("work item name is required")
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Payload is the structured data a source returns for one item.
type Payload map[string]any

// String returns the named field when it is a non-empty string.
func (p Payload) String(field string) (string, bool) {
	v, ok := p[field].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Outcome discriminates the variants of SourceResult.
type Outcome string

// Source outcomes.
const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// SourceResult is the per-source outcome for one item. Exactly one of the
// payload, error or skip reason fields is meaningful depending on Outcome.
type SourceResult struct {
	Outcome    Outcome   `json:"outcome"`
	Payload    Payload   `json:"payload,omitempty"`
	FromCache  bool      `json:"from_cache,omitempty"`
	Kind       ErrorKind `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Ok builds a successful result.
func Ok(payload Payload, fromCache bool) SourceResult {
	return SourceResult{Outcome: OutcomeOK, Payload: payload, FromCache: fromCache}
}

// Failed classifies err into an error result.
func Failed(err error) SourceResult {
	res := SourceResult{Outcome: OutcomeError, Kind: Classify(err), StatusCode: StatusCode(err)}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// Skipped builds a result for a source that was not attempted.
func Skipped(reason string) SourceResult {
	return SourceResult{Outcome: OutcomeSkipped, Kind: KindDependencyUnmet, Reason: reason}
}

// Succeeded reports whether the source produced a payload.
func (r SourceResult) Succeeded() bool {
	return r.Outcome == OutcomeOK
}

// WithDuration records how long the attempt took.
func (r SourceResult) WithDuration(d time.Duration) SourceResult {
	r.DurationMs = d.Milliseconds()
	return r
}

// ExtractionResult aggregates every source outcome for one item.
type ExtractionResult struct {
	WorkItemID     string                  `json:"work_item_id"`
	Name           string                  `json:"name"`
	Sources        map[string]SourceResult `json:"sources"`
	OverallSuccess bool                    `json:"overall_success"`
	Error          string                  `json:"error,omitempty"`
}

// NewExtractionResult computes OverallSuccess from the source outcomes.
func NewExtractionResult(item WorkItem, sources map[string]SourceResult) ExtractionResult {
	res := ExtractionResult{WorkItemID: item.ID, Name: item.Name, Sources: sources}
	for _, s := range sources {
		if s.Succeeded() {
			res.OverallSuccess = true
			break
		}
	}
	if !res.OverallSuccess {
		res.Error = "no source succeeded"
	}
	return res
}

// FailedExtraction records an item that never reached its sources.
func FailedExtraction(item WorkItem, err error) ExtractionResult {
	res := ExtractionResult{WorkItemID: item.ID, Name: item.Name, Sources: map[string]SourceResult{}}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// SessionState is the persisted view of a session.
type SessionState struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	DeclaredTotal  int           `json:"declared_total"`
	ProcessedCount int           `json:"processed_count"`
	Status         SessionStatus `json:"status"`
	LastActivity   *time.Time    `json:"last_activity,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

// SessionStats counts persisted work items by status.
type SessionStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Processed returns the number of items that reached a terminal status.
func (s SessionStats) Processed() int {
	return s.Completed + s.Failed
}

// SessionEvent is published when a session reaches a terminal status.
type SessionEvent struct {
	SessionID string        `json:"session_id"`
	Name      string        `json:"name,omitempty"`
	Status    SessionStatus `json:"status"`
	Processed int           `json:"processed"`
	Total     int           `json:"total"`
	Finalizer string        `json:"finalizer"`
	At        time.Time     `json:"at"`
}
