package ledger

import (
	"context"
	"database/sql"
)

// Execer is satisfied by *sql.DB and *sql.Tx, letting callers append
// entries inside their own database transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore persists entries in wallet_ledger_entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) (bool, error) {
	return AppendWith(ctx, p.db, e)
}

// AppendWith inserts e through ex. The unique index on
// (transaction_id, type, milestone_index) turns a repeat into a no-op.
func AppendWith(ctx context.Context, ex Execer, e *Entry) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO wallet_ledger_entries (
			id, seller_id, transaction_id, milestone_index, type, amount, currency, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id, type, milestone_index) DO NOTHING`,
		e.ID, e.SellerID, e.TransactionID, e.MilestoneIndex, string(e.Type), e.Amount, e.Currency, e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const entryColumns = `id, seller_id, transaction_id, milestone_index, type, amount, currency, created_at`

func (p *PostgresStore) ListByTransaction(ctx context.Context, txID string) ([]*Entry, error) {
	return p.query(ctx, `SELECT `+entryColumns+` FROM wallet_ledger_entries
		WHERE transaction_id = $1 ORDER BY created_at, id`, txID)
}

// ListBySeller returns newest first; limit <= 0 means all.
func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		return p.query(ctx, `SELECT `+entryColumns+` FROM wallet_ledger_entries
			WHERE seller_id = $1 ORDER BY created_at DESC, id`, sellerID)
	}
	return p.query(ctx, `SELECT `+entryColumns+` FROM wallet_ledger_entries
		WHERE seller_id = $1 ORDER BY created_at DESC, id LIMIT $2`, sellerID, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.SellerID, &e.TransactionID, &e.MilestoneIndex,
			&typ, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
