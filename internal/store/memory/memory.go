// Package memory provides an in-memory store.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/store"
)

// ItemRecord is the stored form of a work item.
type ItemRecord struct {
	ID        string
	SessionID string
	Seq       int
	Item      enrich.WorkItem
	Status    enrich.ItemStatus
	ErrorText string
	Result    *enrich.ExtractionResult
	UpdatedAt time.Time
}

// Store keeps sessions and items in maps guarded by one lock.
type Store struct {
	clock enrich.Clock
	ids   enrich.IDGenerator

	mu       sync.RWMutex
	sessions map[string]enrich.SessionState
	items    map[string]*ItemRecord
	bySess   map[string][]string
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store.
func New(clock enrich.Clock, ids enrich.IDGenerator) *Store {
	return &Store{
		clock:    clock,
		ids:      ids,
		sessions: make(map[string]enrich.SessionState),
		items:    make(map[string]*ItemRecord),
		bySess:   make(map[string][]string),
	}
}

// CreateSession stores a new processing session, active as of now.
func (s *Store) CreateSession(_ context.Context, name string, declaredTotal int) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = enrich.SessionState{
		ID:            id,
		Name:          name,
		DeclaredTotal: declaredTotal,
		Status:        enrich.SessionProcessing,
		LastActivity:  &now,
		CreatedAt:     now,
	}
	return id, nil
}

// InsertWorkItems stores items as pending and returns their IDs in order.
func (s *Store) InsertWorkItems(_ context.Context, sessionID string, items []enrich.WorkItem) ([]string, error) {
	ids := make([]string, 0, len(items))
	for range items {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("item id: %w", err)
		}
		ids = append(ids, id)
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	for i, item := range items {
		item.ID = ids[i]
		s.items[ids[i]] = &ItemRecord{
			ID:        ids[i],
			SessionID: sessionID,
			Seq:       len(s.bySess[sessionID]),
			Item:      item,
			Status:    enrich.ItemPending,
			UpdatedAt: now,
		}
		s.bySess[sessionID] = append(s.bySess[sessionID], ids[i])
	}
	return ids, nil
}

// MarkProcessing moves pending items to processing.
func (s *Store) MarkProcessing(_ context.Context, itemIDs []string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range itemIDs {
		rec, ok := s.items[id]
		if !ok {
			return fmt.Errorf("work item %s: %w", id, store.ErrNotFound)
		}
		if rec.Status == enrich.ItemPending {
			rec.Status = enrich.ItemProcessing
			rec.UpdatedAt = now
		}
	}
	return nil
}

// RecordResult writes the item's terminal status once.
func (s *Store) RecordResult(_ context.Context, itemID string, result enrich.ExtractionResult) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("work item %s: %w", itemID, store.ErrNotFound)
	}
	if rec.Status == enrich.ItemCompleted || rec.Status == enrich.ItemFailed {
		return fmt.Errorf("work item %s: %w", itemID, store.ErrNotActive)
	}
	rec.Status = enrich.ItemFailed
	if result.OverallSuccess {
		rec.Status = enrich.ItemCompleted
	}
	rec.ErrorText = result.Error
	res := result
	rec.Result = &res
	rec.UpdatedAt = now
	return nil
}

// UpdateActivity stamps the session's last activity.
func (s *Store) UpdateActivity(_ context.Context, sessionID string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	sess.LastActivity = &now
	s.sessions[sessionID] = sess
	return nil
}

// GetSessionStats counts the session's items by status.
func (s *Store) GetSessionStats(_ context.Context, sessionID string) (enrich.SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return enrich.SessionStats{}, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	var stats enrich.SessionStats
	for _, id := range s.bySess[sessionID] {
		stats.Total++
		switch s.items[id].Status {
		case enrich.ItemCompleted:
			stats.Completed++
		case enrich.ItemFailed:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

// FinalizeSession moves a processing session to a terminal status.
func (s *Store) FinalizeSession(_ context.Context, sessionID string, status enrich.SessionStatus, processed int) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotActive)
	}
	sess.Status = status
	sess.ProcessedCount = processed
	sess.LastActivity = &now
	sess.FinishedAt = &now
	s.sessions[sessionID] = sess
	return nil
}

// CorrectDeclaredTotal overwrites the declared total.
func (s *Store) CorrectDeclaredTotal(_ context.Context, sessionID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	sess.DeclaredTotal = total
	s.sessions[sessionID] = sess
	return nil
}

// ListActiveSessions returns sessions in status, oldest first.
func (s *Store) ListActiveSessions(_ context.Context, status enrich.SessionStatus) ([]enrich.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]enrich.SessionState, 0)
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetSession returns one session.
func (s *Store) GetSession(_ context.Context, sessionID string) (enrich.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return enrich.SessionState{}, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return sess, nil
}

// Items returns copies of the session's item records in insertion order.
func (s *Store) Items(sessionID string) []ItemRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySess[sessionID]
	out := make([]ItemRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.items[id])
	}
	return out
}
