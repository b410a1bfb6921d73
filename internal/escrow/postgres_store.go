package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in PostgreSQL. Writes are guarded by the
// version column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	historyJSON, err := marshalHistory(e.History)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, buyer_id, provider_id, amount, currency, platform_fee,
			status, clearing_period_days, dispute_reason, idempotency_keys, history,
			version, created_at, held_at, clearing_started_at, disputed_at,
			released_at, refunded_at, cancelled_at, payout_transferred_at,
			payout_reference, payout_request_id, clearing_due_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25
		)`,
		e.ID, e.OrderID, e.BuyerID, e.ProviderID, e.Amount, e.Currency, e.PlatformFee,
		string(e.Status), e.ClearingPeriodDays, nullString(e.DisputeReason), pq.Array(keysOrEmpty(e.IdempotencyKeys)), historyJSON,
		e.Version, e.CreatedAt, nullTime(e.HeldAt), nullTime(e.ClearingStartedAt), nullTime(e.DisputedAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.CancelledAt), nullTime(e.PayoutTransferredAt),
		nullString(e.PayoutReference), nullString(e.PayoutRequestID), nullTime(e.clearingDueAt()), e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEscrow
	}
	return err
}

const escrowColumns = `id, order_id, buyer_id, provider_id, amount, currency, platform_fee,
		       status, clearing_period_days, dispute_reason, idempotency_keys, history,
		       version, created_at, held_at, clearing_started_at, disputed_at,
		       released_at, refunded_at, cancelled_at, payout_transferred_at,
		       payout_reference, payout_request_id, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// ConditionalUpdate writes only the mutable columns, and only while the row
// still carries expectedVersion.
func (p *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Escrow) error) (*Escrow, error) {
	e, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Version != expectedVersion {
		return nil, ErrConcurrentModification
	}
	if err := mutate(e); err != nil {
		return nil, err
	}
	e.Version = expectedVersion + 1

	historyJSON, err := marshalHistory(e.History)
	if err != nil {
		return nil, err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_reason = $2, idempotency_keys = $3, history = $4,
			version = $5, held_at = $6, clearing_started_at = $7, disputed_at = $8,
			released_at = $9, refunded_at = $10, cancelled_at = $11,
			payout_transferred_at = $12, payout_reference = $13, payout_request_id = $14,
			clearing_due_at = $15, updated_at = $16
		WHERE id = $17 AND version = $18`,
		string(e.Status), nullString(e.DisputeReason), pq.Array(keysOrEmpty(e.IdempotencyKeys)), historyJSON,
		e.Version, nullTime(e.HeldAt), nullTime(e.ClearingStartedAt), nullTime(e.DisputedAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.CancelledAt),
		nullTime(e.PayoutTransferredAt), nullString(e.PayoutReference), nullString(e.PayoutRequestID),
		nullTime(e.clearingDueAt()), e.UpdatedAt,
		id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update escrow %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrConcurrentModification
	}
	return e, nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string) ([]*Escrow, error) {
	// REPEATABLE READ gives the aggregator one consistent snapshot.
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE provider_id = $1
		ORDER BY created_at DESC`, providerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	list, err := scanEscrows(rows)
	if err != nil {
		return nil, err
	}
	return list, tx.Commit()
}

// ListDueForClearing walks the partial index on (clearing_due_at, id).
func (p *PostgresStore) ListDueForClearing(ctx context.Context, now time.Time, after ClearingCursor, limit int) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows
		WHERE status = 'clearing' AND clearing_due_at <= $1
		  AND (clearing_due_at, id) > ($2, $3)
		ORDER BY clearing_due_at, id`
	args := []any{now.UTC(), after.DueAt.UTC(), after.ID}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status              string
		disputeReason       sql.NullString
		keys                pq.StringArray
		historyJSON         []byte
		heldAt              sql.NullTime
		clearingStartedAt   sql.NullTime
		disputedAt          sql.NullTime
		releasedAt          sql.NullTime
		refundedAt          sql.NullTime
		cancelledAt         sql.NullTime
		payoutTransferredAt sql.NullTime
		payoutReference     sql.NullString
		payoutRequestID     sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.BuyerID, &e.ProviderID, &e.Amount, &e.Currency, &e.PlatformFee,
		&status, &e.ClearingPeriodDays, &disputeReason, &keys, &historyJSON,
		&e.Version, &e.CreatedAt, &heldAt, &clearingStartedAt, &disputedAt,
		&releasedAt, &refundedAt, &cancelledAt, &payoutTransferredAt,
		&payoutReference, &payoutRequestID, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.DisputeReason = disputeReason.String
	e.PayoutReference = payoutReference.String
	e.PayoutRequestID = payoutRequestID.String
	e.IdempotencyKeys = keysOrEmpty(keys)
	if err := json.Unmarshal(historyJSON, &e.History); err != nil {
		return nil, fmt.Errorf("decode history for escrow %s: %w", e.ID, err)
	}
	if e.History == nil {
		e.History = []TransitionRecord{}
	}
	e.HeldAt = timePtr(heldAt)
	e.ClearingStartedAt = timePtr(clearingStartedAt)
	e.DisputedAt = timePtr(disputedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.CancelledAt = timePtr(cancelledAt)
	e.PayoutTransferredAt = timePtr(payoutTransferredAt)
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func marshalHistory(h []TransitionRecord) ([]byte, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

func keysOrEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
