package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store and RestrictionStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `gateway_dispute_id, transaction_id, gateway_payment_intent_id, status, reason,
	amount, currency, evidence_due_by, last_event_id, created_at, updated_at`

// UpsertSnapshot converges repeated and reordered deliveries: a snapshot
// older than the stored one leaves the row untouched.
func (p *PostgresStore) UpsertSnapshot(ctx context.Context, d *Dispute) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (gateway_dispute_id) DO UPDATE SET
			transaction_id = COALESCE(NULLIF(EXCLUDED.transaction_id, ''), disputes.transaction_id),
			gateway_payment_intent_id = EXCLUDED.gateway_payment_intent_id,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			evidence_due_by = EXCLUDED.evidence_due_by,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at
		WHERE disputes.updated_at <= EXCLUDED.updated_at
		RETURNING `+disputeColumns,
		d.GatewayDisputeID, d.TransactionID, d.GatewayPaymentIntentID, string(d.Status), d.Reason,
		d.Amount, d.Currency, nullTime(d.EvidenceDueBy), d.LastEventID, d.CreatedAt, d.UpdatedAt,
	)
	stored, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Stale snapshot: the WHERE clause skipped the update.
		return p.Get(ctx, d.GatewayDisputeID)
	}
	return stored, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE gateway_dispute_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) OpenForTransaction(ctx context.Context, txID string) ([]*Dispute, error) {
	return p.queryDisputes(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND status = ANY($2) ORDER BY created_at`,
		txID, pq.Array([]string{
			string(StatusWarningNeedsResponse), string(StatusWarningUnderReview),
			string(StatusNeedsResponse), string(StatusUnderReview),
		}))
}

func (p *PostgresStore) ListForTransaction(ctx context.Context, txID string) ([]*Dispute, error) {
	return p.queryDisputes(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 ORDER BY created_at`, txID)
}

func (p *PostgresStore) queryDisputes(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const restrictionColumns = `id, user_id, funds_frozen, reason, source_dispute_id, created_at, lifted_at, lifted_by`

// Restrict relies on the unique (user_id, source_dispute_id) index.
func (p *PostgresStore) Restrict(ctx context.Context, r *Restriction) (*Restriction, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO account_restrictions (id, user_id, funds_frozen, reason, source_dispute_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, source_dispute_id) DO NOTHING`,
		r.ID, r.UserID, r.FundsFrozen, r.Reason, r.SourceDisputeID, r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return scanRestriction(p.db.QueryRowContext(ctx, `SELECT `+restrictionColumns+`
		FROM account_restrictions
		WHERE user_id = $1 AND source_dispute_id = $2`,
		r.UserID, r.SourceDisputeID))
}

func (p *PostgresStore) ActiveFundsFrozen(ctx context.Context, userIDs ...string) ([]*Restriction, error) {
	return p.queryRestrictions(ctx, `SELECT `+restrictionColumns+` FROM account_restrictions
		WHERE user_id = ANY($1) AND funds_frozen AND lifted_at IS NULL ORDER BY created_at`,
		pq.Array(userIDs))
}

func (p *PostgresStore) Lift(ctx context.Context, userID, reviewer string, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE account_restrictions SET lifted_at = $2, lifted_by = $3
		WHERE user_id = $1 AND lifted_at IS NULL`, userID, at, reviewer)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string) ([]*Restriction, error) {
	return p.queryRestrictions(ctx, `SELECT `+restrictionColumns+` FROM account_restrictions
		WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (p *PostgresStore) queryRestrictions(ctx context.Context, query string, args ...any) ([]*Restriction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Restriction
	for rows.Next() {
		r, err := scanRestriction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var status string
	var due sql.NullTime
	if err := s.Scan(
		&d.GatewayDisputeID, &d.TransactionID, &d.GatewayPaymentIntentID, &status, &d.Reason,
		&d.Amount, &d.Currency, &due, &d.LastEventID, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if due.Valid {
		t := due.Time
		d.EvidenceDueBy = &t
	}
	return d, nil
}

func scanRestriction(s scanner) (*Restriction, error) {
	r := &Restriction{}
	var lifted sql.NullTime
	var liftedBy sql.NullString
	if err := s.Scan(
		&r.ID, &r.UserID, &r.FundsFrozen, &r.Reason, &r.SourceDisputeID, &r.CreatedAt, &lifted, &liftedBy,
	); err != nil {
		return nil, err
	}
	if lifted.Valid {
		t := lifted.Time
		r.LiftedAt = &t
	}
	r.LiftedBy = liftedBy.String
	return r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var (
	_ Store            = (*PostgresStore)(nil)
	_ RestrictionStore = (*PostgresStore)(nil)
)
