package webhooks

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists delivery audit rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed delivery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, d *Delivery) (*Delivery, error) {
	out := &Delivery{}
	var lastError sql.NullString
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_deliveries (
			event_id, event_type, variant, outcome, last_error, attempts, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (event_id) DO UPDATE SET
			outcome      = EXCLUDED.outcome,
			last_error   = EXCLUDED.last_error,
			attempts     = webhook_deliveries.attempts + 1,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING event_id, event_type, variant, outcome, last_error, attempts, first_seen_at, last_seen_at`,
		d.EventID, d.EventType, d.Variant, d.Outcome, nullString(d.LastError), d.LastSeenAt,
	).Scan(
		&out.EventID, &out.EventType, &out.Variant, &out.Outcome, &lastError,
		&out.Attempts, &out.FirstSeenAt, &out.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	out.LastError = lastError.String
	return out, nil
}

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Delivery, error) {
	out := &Delivery{}
	var lastError sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, variant, outcome, last_error, attempts, first_seen_at, last_seen_at
		FROM webhook_deliveries WHERE event_id = $1`, eventID,
	).Scan(
		&out.EventID, &out.EventType, &out.Variant, &out.Outcome, &lastError,
		&out.Attempts, &out.FirstSeenAt, &out.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	out.LastError = lastError.String
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements DeliveryStore.
var _ DeliveryStore = (*PostgresStore)(nil)
