package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
	"github.com/linnemanlabs/ticketsmith/internal/intake/pgstore"
	"github.com/linnemanlabs/ticketsmith/internal/postgres"
)

func openLog(t *testing.T) *pgstore.TicketLog {
	t.Helper()
	dsn := os.Getenv("TICKETSMITH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TICKETSMITH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	l, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return l
}

func TestAppendAndRecent(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	// A future timestamp keeps these rows ahead of anything left by earlier runs.
	base := time.Now().Add(24 * time.Hour).Truncate(time.Microsecond).UTC()
	older := &intake.TicketRecord{
		ID:          ulid.Make().String(),
		SessionID:   "sess-1",
		TicketID:    1001,
		Number:      "1001",
		URL:         "https://acme-it.syncromsp.com/tickets/1001",
		CustomerID:  4,
		ContactID:   40,
		AssetID:     400,
		Subject:     "Computer not working",
		ProblemType: intake.CategoryHardware,
		Model:       "openai/gpt-4o-mini",
		CreatedAt:   base,
	}
	newer := &intake.TicketRecord{
		ID:          ulid.Make().String(),
		SessionID:   "sess-2",
		CustomerID:  3,
		Subject:     "Office reinstall",
		ProblemType: intake.CategorySoftware,
		CreatedAt:   base.Add(time.Minute),
	}
	for _, r := range []*intake.TicketRecord{older, newer} {
		if err := l.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d rows, want 2", len(got))
	}
	if got[0].ID != newer.ID || got[1].ID != older.ID {
		t.Errorf("order = %s,%s, want newest first", got[0].ID, got[1].ID)
	}
	if !got[1].CreatedAt.Equal(older.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got[1].CreatedAt, older.CreatedAt)
	}
	rt := got[1]
	rt.CreatedAt = older.CreatedAt
	if rt != *older {
		t.Errorf("round trip = %+v, want %+v", rt, *older)
	}
	if got[0].ContactID != 0 || got[0].AssetID != 0 {
		t.Errorf("unset ids = %d/%d, want zero", got[0].ContactID, got[0].AssetID)
	}
}

func TestAppendIdempotent(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	r := &intake.TicketRecord{
		ID:          ulid.Make().String(),
		SessionID:   "sess-dup",
		CustomerID:  1,
		Subject:     "dup",
		ProblemType: intake.CategoryOther,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.Append(ctx, r); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(ctx, r); err != nil {
		t.Fatalf("second Append: %v", err)
	}
}
