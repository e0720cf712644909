// Package pgstore provides a PostgreSQL implementation of intake.TicketLog.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ticketsmith/internal/intake/pgstore")

//go:embed schema.sql
var schema string

// TicketLog persists created tickets in PostgreSQL.
type TicketLog struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready TicketLog. The pool
// stays owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*TicketLog, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &TicketLog{pool: pool}, nil
}

const ticketColumns = `id, session_id, ticket_id, number, url, customer_id, contact_id,
	asset_id, subject, problem_type, model, created_at`

// Append inserts rec. Re-appending the same id is a no-op.
func (l *TicketLog) Append(ctx context.Context, rec *intake.TicketRecord) error {
	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := l.pool.Exec(ctx,
		`INSERT INTO created_tickets (`+ticketColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.TicketID, rec.Number, rec.URL, rec.CustomerID,
		nullID(rec.ContactID), nullID(rec.AssetID), rec.Subject, string(rec.ProblemType),
		rec.Model, rec.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert ticket %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (l *TicketLog) Recent(ctx context.Context, limit int) ([]intake.TicketRecord, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Recent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM created_tickets ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query tickets: %w", err)
	}

	out, err := pgx.CollectRows(rows, scanTicket)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scan tickets: %w", err)
	}
	return out, nil
}

func scanTicket(row pgx.CollectableRow) (intake.TicketRecord, error) {
	var (
		r                  intake.TicketRecord
		contactID, assetID *int64
		problemType        string
	)
	err := row.Scan(
		&r.ID, &r.SessionID, &r.TicketID, &r.Number, &r.URL, &r.CustomerID,
		&contactID, &assetID, &r.Subject, &problemType, &r.Model, &r.CreatedAt,
	)
	if err != nil {
		return r, err
	}
	r.ProblemType = intake.Category(problemType)
	if contactID != nil {
		r.ContactID = *contactID
	}
	if assetID != nil {
		r.AssetID = *assetID
	}
	return r, nil
}

// nullID maps the zero "unset" id to SQL NULL.
func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
