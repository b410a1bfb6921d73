package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// escrowRecord is the GORM row model. Domain types stay free of ORM tags.
type escrowRecord struct {
	ID                  string             `gorm:"primaryKey;size:64"`
	OrderID             string             `gorm:"size:128;index;not null"`
	BuyerID             string             `gorm:"size:128;not null"`
	ProviderID          string             `gorm:"size:128;index:idx_escrows_provider;not null"`
	Amount              int64              `gorm:"not null"`
	Currency            string             `gorm:"size:3;not null"`
	PlatformFee         int64              `gorm:"not null"`
	Status              string             `gorm:"size:16;index;not null"`
	ClearingPeriodDays  int                `gorm:"not null"`
	DisputeReason       string             `gorm:"type:text"`
	IdempotencyKeys     []string           `gorm:"type:text;serializer:json;not null"`
	History             []TransitionRecord `gorm:"type:text;serializer:json;not null"`
	Version             int64              `gorm:"not null"`
	CreatedAt           time.Time          `gorm:"autoCreateTime:false;not null"`
	HeldAt              *time.Time
	ClearingStartedAt   *time.Time
	DisputedAt          *time.Time
	ReleasedAt          *time.Time
	RefundedAt          *time.Time
	CancelledAt         *time.Time
	PayoutTransferredAt *time.Time
	PayoutReference     string     `gorm:"size:128"`
	PayoutRequestID     string     `gorm:"size:64;index"`
	ClearingDueAt       *time.Time `gorm:"index:idx_escrows_clearing_due"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime:false;not null"`
}

func (escrowRecord) TableName() string { return "escrows" }

// mutableColumns are the only columns ConditionalUpdate writes.
var mutableColumns = []string{
	"status", "dispute_reason", "idempotency_keys", "history", "version",
	"held_at", "clearing_started_at", "disputed_at", "released_at",
	"refunded_at", "cancelled_at", "payout_transferred_at", "payout_reference",
	"payout_request_id", "clearing_due_at", "updated_at",
}

// GormStore persists escrows through GORM. Used with SQLite for
// single-node deployments that still need durability.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens a SQLite database for GormStore.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewGormStore migrates the escrows table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&escrowRecord{}); err != nil {
		return nil, fmt.Errorf("migrate escrows: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Create(ctx context.Context, e *Escrow) error {
	rec := toRecord(e)
	err := g.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEscrow
	}
	return err
}

func (g *GormStore) Get(ctx context.Context, id string) (*Escrow, error) {
	var rec escrowRecord
	err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toEscrow(), nil
}

func (g *GormStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Escrow) error) (*Escrow, error) {
	e, err := g.Get(ctx, id)
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

	rec := toRecord(e)
	res := g.db.WithContext(ctx).
		Model(&rec).
		Where("version = ?", expectedVersion).
		Select(mutableColumns).
		Updates(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("update escrow %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrentModification
	}
	return e, nil
}

func (g *GormStore) ListByProvider(ctx context.Context, providerID string) ([]*Escrow, error) {
	var recs []escrowRecord
	err := g.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toEscrows(recs), nil
}

func (g *GormStore) ListDueForClearing(ctx context.Context, now time.Time, after ClearingCursor, limit int) ([]*Escrow, error) {
	q := g.db.WithContext(ctx).
		Where("status = ? AND clearing_due_at <= ?", string(StatusClearing), now.UTC()).
		Where("clearing_due_at > ? OR (clearing_due_at = ? AND id > ?)", after.DueAt.UTC(), after.DueAt.UTC(), after.ID).
		Order("clearing_due_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []escrowRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return toEscrows(recs), nil
}

func (g *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(e *Escrow) escrowRecord {
	return escrowRecord{
		ID:                  e.ID,
		OrderID:             e.OrderID,
		BuyerID:             e.BuyerID,
		ProviderID:          e.ProviderID,
		Amount:              e.Amount,
		Currency:            e.Currency,
		PlatformFee:         e.PlatformFee,
		Status:              string(e.Status),
		ClearingPeriodDays:  e.ClearingPeriodDays,
		DisputeReason:       e.DisputeReason,
		IdempotencyKeys:     keysOrEmpty(e.IdempotencyKeys),
		History:             historyOrEmpty(e.History),
		Version:             e.Version,
		CreatedAt:           e.CreatedAt,
		HeldAt:              e.HeldAt,
		ClearingStartedAt:   e.ClearingStartedAt,
		DisputedAt:          e.DisputedAt,
		ReleasedAt:          e.ReleasedAt,
		RefundedAt:          e.RefundedAt,
		CancelledAt:         e.CancelledAt,
		PayoutTransferredAt: e.PayoutTransferredAt,
		PayoutReference:     e.PayoutReference,
		PayoutRequestID:     e.PayoutRequestID,
		ClearingDueAt:       e.clearingDueAt(),
		UpdatedAt:           e.UpdatedAt,
	}
}

func (r escrowRecord) toEscrow() *Escrow {
	return &Escrow{
		ID:                  r.ID,
		OrderID:             r.OrderID,
		BuyerID:             r.BuyerID,
		ProviderID:          r.ProviderID,
		Amount:              r.Amount,
		Currency:            r.Currency,
		PlatformFee:         r.PlatformFee,
		Status:              Status(r.Status),
		ClearingPeriodDays:  r.ClearingPeriodDays,
		DisputeReason:       r.DisputeReason,
		IdempotencyKeys:     keysOrEmpty(r.IdempotencyKeys),
		History:             historyOrEmpty(r.History),
		Version:             r.Version,
		CreatedAt:           r.CreatedAt.UTC(),
		HeldAt:              utcPtr(r.HeldAt),
		ClearingStartedAt:   utcPtr(r.ClearingStartedAt),
		DisputedAt:          utcPtr(r.DisputedAt),
		ReleasedAt:          utcPtr(r.ReleasedAt),
		RefundedAt:          utcPtr(r.RefundedAt),
		CancelledAt:         utcPtr(r.CancelledAt),
		PayoutTransferredAt: utcPtr(r.PayoutTransferredAt),
		PayoutReference:     r.PayoutReference,
		PayoutRequestID:     r.PayoutRequestID,
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

func toEscrows(recs []escrowRecord) []*Escrow {
	out := make([]*Escrow, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEscrow())
	}
	return out
}

func historyOrEmpty(h []TransitionRecord) []TransitionRecord {
	if h == nil {
		return []TransitionRecord{}
	}
	return h
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// Compile-time assertion that GormStore implements Store.
var _ Store = (*GormStore)(nil)
