package intake

import (
	"context"
	"time"
)

// SessionStore holds live sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, bool, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// DeleteIdle removes sessions not updated since before and reports how
	// many were removed.
	DeleteIdle(ctx context.Context, before time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}

// TicketLog records created tickets.
type TicketLog interface {
	Append(ctx context.Context, rec *TicketRecord) error
	Recent(ctx context.Context, limit int) ([]TicketRecord, error)
}

// Notifier is told about every created ticket.
type Notifier interface {
	TicketCreated(ctx context.Context, rec *TicketRecord) error
}

// Readiness blocks until the directory can answer queries.
type Readiness interface {
	Wait(ctx context.Context) error
}
