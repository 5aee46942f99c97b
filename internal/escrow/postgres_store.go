package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/rift/internal/ledger"
	"github.com/shopspring/decimal"
)

// PostgresStore persists transactions in PostgreSQL. ApplyTransition runs the
// version check, ledger entries, outbox event and refund record in one
// database transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction, event *TransitionEvent) error {
	milestonesJSON, err := json.Marshal(t.Milestones)
	if err != nil {
		return fmt.Errorf("marshal milestones: %w", err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_id, seller_id, seller_account_id, currency,
			subtotal, buyer_fee, seller_fee, buyer_total, seller_net,
			status, pre_dispute_status, version,
			gateway_payment_intent_id, gateway_transfer_id, milestones,
			funded_at, released_at, refunded_at, cancelled_at,
			created_at, updated_at, claim, claim_amount
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, $24
		)`,
		t.ID, t.BuyerID, t.SellerID, t.SellerAccountID, t.Currency,
		t.Subtotal, t.BuyerFee, t.SellerFee, t.BuyerTotal, t.SellerNet,
		string(t.Status), nullString(string(t.PreDisputeStatus)), t.Version,
		nullString(t.GatewayPaymentIntentID), nullString(t.GatewayTransferID), milestonesJSON,
		nullTime(t.FundedAt), nullTime(t.ReleasedAt), nullTime(t.RefundedAt), nullTime(t.CancelledAt),
		t.CreatedAt, t.UpdatedAt, string(t.Claim), nullDecimal(t.ClaimAmount),
	)
	if err != nil {
		return err
	}
	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const transactionColumns = `id, buyer_id, seller_id, seller_account_id, currency,
		       subtotal, buyer_fee, seller_fee, buyer_total, seller_net,
		       status, pre_dispute_status, version,
		       gateway_payment_intent_id, gateway_transfer_id, milestones,
		       funded_at, released_at, refunded_at, cancelled_at,
		       created_at, updated_at, claim, claim_amount`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByPaymentIntent(ctx context.Context, intentID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+`
		FROM transactions WHERE gateway_payment_intent_id = $1`, intentID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ApplyTransition(ctx context.Context, next *Transaction, expectedVersion int64, fx Effects) error {
	milestonesJSON, err := json.Marshal(next.Milestones)
	if err != nil {
		return fmt.Errorf("marshal milestones: %w", err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Monetary columns are deliberately absent from the SET list.
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, pre_dispute_status = $2, version = $3,
			gateway_payment_intent_id = $4, gateway_transfer_id = $5, milestones = $6,
			funded_at = $7, released_at = $8, refunded_at = $9, cancelled_at = $10,
			updated_at = $11, claim = $12, claim_amount = $13
		WHERE id = $14 AND version = $15`,
		string(next.Status), nullString(string(next.PreDisputeStatus)), next.Version,
		nullString(next.GatewayPaymentIntentID), nullString(next.GatewayTransferID), milestonesJSON,
		nullTime(next.FundedAt), nullTime(next.ReleasedAt), nullTime(next.RefundedAt), nullTime(next.CancelledAt),
		next.UpdatedAt, string(next.Claim), nullDecimal(next.ClaimAmount),
		next.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrVersionConflict
	}

	for _, e := range fx.Ledger {
		if _, err := ledger.RecordWith(ctx, tx, e); err != nil {
			return err
		}
	}
	if fx.Event != nil {
		if err := insertEvent(ctx, tx, fx.Event); err != nil {
			return err
		}
	}
	if fx.Refund != nil {
		r := fx.Refund
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_records (
				id, transaction_id, amount, currency, gateway_refund_id, idempotency_key, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.TransactionID, r.Amount, r.Currency, r.GatewayRefundID, r.IdempotencyKey, r.CreatedAt,
		)
		if isUniqueViolation(err) {
			return ErrDuplicateRefund
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *TransitionEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transition_events (id, transaction_id, from_status, to_status, version, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.TransactionID, string(ev.From), string(ev.To), ev.Version, ev.Reason, ev.CreatedAt,
	)
	if isUniqueViolation(err) {
		// (transaction_id, version) already written: the version moved under us.
		return ErrVersionConflict
	}
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, txID string) ([]*TransitionEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, from_status, to_status, version, reason, created_at
		FROM transition_events
		WHERE transaction_id = $1
		ORDER BY version`, txID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*TransitionEvent
	for rows.Next() {
		ev := &TransitionEvent{}
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &from, &to, &ev.Version, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.From, ev.To = Status(from), Status(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRefunds(ctx context.Context, txID string) ([]*RefundRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, amount, currency, gateway_refund_id, idempotency_key, created_at
		FROM refund_records
		WHERE transaction_id = $1
		ORDER BY created_at`, txID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RefundRecord
	for rows.Next() {
		r := &RefundRecord{}
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Amount, &r.Currency, &r.GatewayRefundID, &r.IdempotencyKey, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status, preDispute    sql.NullString
		intentID, transferID  sql.NullString
		milestonesJSON        []byte
		fundedAt, releasedAt  sql.NullTime
		refundedAt, cancelled sql.NullTime
		claim                 string
		claimAmount           decimal.NullDecimal
	)
	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.SellerAccountID, &t.Currency,
		&t.Subtotal, &t.BuyerFee, &t.SellerFee, &t.BuyerTotal, &t.SellerNet,
		&status, &preDispute, &t.Version,
		&intentID, &transferID, &milestonesJSON,
		&fundedAt, &releasedAt, &refundedAt, &cancelled,
		&t.CreatedAt, &t.UpdatedAt, &claim, &claimAmount,
	)
	if err != nil {
		return nil, err
	}
	t.Claim = Claim(claim)
	if claimAmount.Valid {
		v := claimAmount.Decimal
		t.ClaimAmount = &v
	}
	t.Status = Status(status.String)
	t.PreDisputeStatus = Status(preDispute.String)
	t.GatewayPaymentIntentID = intentID.String
	t.GatewayTransferID = transferID.String
	if len(milestonesJSON) > 0 && string(milestonesJSON) != "null" {
		if err := json.Unmarshal(milestonesJSON, &t.Milestones); err != nil {
			return nil, fmt.Errorf("decode milestones of %s: %w", t.ID, err)
		}
	}
	t.FundedAt = timePtr(fundedAt)
	t.ReleasedAt = timePtr(releasedAt)
	t.RefundedAt = timePtr(refundedAt)
	t.CancelledAt = timePtr(cancelled)
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
