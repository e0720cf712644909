// Package memstore provides in-memory implementations of intake.SessionStore
// and intake.TicketLog.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
)

// DefaultTicketCapacity bounds the in-memory ticket log.
const DefaultTicketCapacity = 500

// Sessions holds live sessions in memory. Sessions are mutable and shared;
// the store hands out the same pointer it was given.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*intake.Session
}

// NewSessions initializes an empty session store.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*intake.Session)}
}

// Get returns the session with id.
func (s *Sessions) Get(_ context.Context, id string) (*intake.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

// Put stores sess under its id.
func (s *Sessions) Put(_ context.Context, sess *intake.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
	return nil
}

// Delete removes a session. Deleting a missing id is not an error.
func (s *Sessions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteIdle removes idle-state sessions last updated before the cutoff.
// Sessions with work in flight are kept regardless of age.
func (s *Sessions) DeleteIdle(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.UpdatedAt().Before(before) {
			continue
		}
		switch sess.State() {
		case intake.StateAwaitingExtraction, intake.StateAwaitingResolution, intake.StateSubmitting:
			continue
		}
		delete(s.sessions, id)
		n++
	}
	return n, nil
}

// Len reports the number of stored sessions.
func (s *Sessions) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// Tickets is a bounded, newest-last ticket log. Suitable for dev/testing.
type Tickets struct {
	mu       sync.RWMutex
	records  []intake.TicketRecord
	capacity int
}

// NewTickets creates a ticket log keeping at most capacity records. A
// non-positive capacity uses DefaultTicketCapacity.
func NewTickets(capacity int) *Tickets {
	if capacity <= 0 {
		capacity = DefaultTicketCapacity
	}
	return &Tickets{capacity: capacity}
}

// Append stores a copy of rec, evicting the oldest record when full.
func (t *Tickets) Append(_ context.Context, rec *intake.TicketRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) == t.capacity {
		copy(t.records, t.records[1:])
		t.records = t.records[:len(t.records)-1]
	}
	t.records = append(t.records, *rec)
	return nil
}

// Recent returns up to limit records, newest first.
func (t *Tickets) Recent(_ context.Context, limit int) ([]intake.TicketRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	out := make([]intake.TicketRecord, 0, limit)
	for i := len(t.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.records[i])
	}
	return out, nil
}
