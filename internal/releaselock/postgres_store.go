package releaselock

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists MilestoneRelease rows. The primary key on
// (transaction_id, milestone_index) is the lock.
type PostgresStore struct {
	db *sql.DB

	// afterConflict runs between a losing insert and the read of the winner.
	afterConflict func()
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const releaseColumns = `transaction_id, milestone_index, status, payout_id, amount, seller_net,
	idempotency_key, failure_reason, created_at, released_at`

// insertAttempts bounds retries when the conflicting row is deleted before
// it can be read back.
const insertAttempts = 2

func (p *PostgresStore) Insert(ctx context.Context, r *MilestoneRelease) (bool, *MilestoneRelease, error) {
	for attempt := 1; ; attempt++ {
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO milestone_releases (
				transaction_id, milestone_index, status, amount, seller_net, idempotency_key, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (transaction_id, milestone_index) DO NOTHING`,
			r.TransactionID, r.MilestoneIndex, string(r.Status), r.Amount, r.SellerNet,
			r.IdempotencyKey, r.CreatedAt,
		)
		if err != nil && !isUniqueViolation(err) {
			return false, nil, err
		}
		if err == nil {
			if n, _ := res.RowsAffected(); n == 1 {
				return true, nil, nil
			}
		}
		if p.afterConflict != nil {
			p.afterConflict()
		}
		existing, err := p.Get(ctx, r.TransactionID, r.MilestoneIndex)
		if errors.Is(err, ErrNotFound) && attempt < insertAttempts {
			// The winner's CREATING row was released between our insert and read.
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
}

func (p *PostgresStore) Get(ctx context.Context, txID string, index int) (*MilestoneRelease, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+releaseColumns+`
		FROM milestone_releases WHERE transaction_id = $1 AND milestone_index = $2`, txID, index)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) MarkReleased(ctx context.Context, txID string, index int, payoutID string, amount, sellerNet decimal.Decimal, at time.Time) (*MilestoneRelease, error) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE milestone_releases
		SET status = 'RELEASED', payout_id = $3, amount = $4, seller_net = $5, released_at = $6
		WHERE transaction_id = $1 AND milestone_index = $2 AND status = 'CREATING'`,
		txID, index, payoutID, amount, sellerNet, at,
	)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, txID, index)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, txID string, index int, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE milestone_releases SET status = 'FAILED', failure_reason = $3
		WHERE transaction_id = $1 AND milestone_index = $2 AND status = 'CREATING'`,
		txID, index, reason,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, txID, index); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) DeleteCreating(ctx context.Context, txID string, index int) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM milestone_releases
		WHERE transaction_id = $1 AND milestone_index = $2 AND status = 'CREATING'`,
		txID, index,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, txID string) ([]*MilestoneRelease, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+releaseColumns+`
		FROM milestone_releases WHERE transaction_id = $1 ORDER BY milestone_index`, txID)
	if err != nil {
		return nil, err
	}
	return scanReleases(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*MilestoneRelease, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+releaseColumns+`
		FROM milestone_releases
		WHERE status = 'CREATING' AND created_at < $1
		ORDER BY created_at LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanReleases(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRelease(s scanner) (*MilestoneRelease, error) {
	r := &MilestoneRelease{}
	var status string
	var payoutID, failure sql.NullString
	var releasedAt sql.NullTime
	if err := s.Scan(
		&r.TransactionID, &r.MilestoneIndex, &status, &payoutID, &r.Amount, &r.SellerNet,
		&r.IdempotencyKey, &failure, &r.CreatedAt, &releasedAt,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.PayoutID = payoutID.String
	r.FailureReason = failure.String
	if releasedAt.Valid {
		t := releasedAt.Time
		r.ReleasedAt = &t
	}
	return r, nil
}

func scanReleases(rows *sql.Rows) ([]*MilestoneRelease, error) {
	defer func() { _ = rows.Close() }()
	var out []*MilestoneRelease
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
