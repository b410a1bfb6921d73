// Package escrow holds buyer funds for marketplace orders until they are
// settled to the provider or returned to the buyer.
//
// Lifecycle:
//  1. Order placed → escrow created (pending)
//  2. Payment provider captures funds → held
//  3. Provider marks the order delivered → clearing (dispute window opens)
//  4. Clearing period elapses or buyer confirms → released
//  5. Buyer disputes → disputed, resolved by an admin → released or refunded
//  6. Refund before delivery → refunded; failed payment → cancelled
//
// Every write goes through Store.ConditionalUpdate so concurrent webhook
// deliveries, scheduler runs and user actions linearize per escrow.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var (
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrDuplicateEscrow        = errors.New("escrow already exists")
	ErrInvalidEscrow          = errors.New("invalid escrow parameters")
	ErrInvalidTransition      = errors.New("invalid escrow transition")
	ErrConcurrentModification = errors.New("escrow was modified concurrently")
	ErrTransientFailure       = errors.New("transient failure, safe to retry")

	// Causes carried by a TransitionError.
	ErrUnknownEvent        = errors.New("unknown escrow event")
	ErrAlreadyResolved     = errors.New("escrow already resolved")
	ErrInvalidStatus       = errors.New("event not allowed in current status")
	ErrActorNotPermitted   = errors.New("actor not permitted for this event")
	ErrAmountMismatch      = errors.New("captured amount does not match escrow amount")
	ErrReasonRequired      = errors.New("dispute reason is required")
	ErrClearingNotElapsed  = errors.New("clearing period has not elapsed")
	ErrRefundWindowClosed  = errors.New("refund window has closed")
	ErrDuplicateEvent      = errors.New("external event already applied")
	ErrPayoutNotEligible   = errors.New("escrow is not eligible for payout")
	ErrPayoutAlreadyMarked = errors.New("escrow payout already recorded")
	ErrPayoutClaimed       = errors.New("escrow is claimed by another payout")
)

// TransitionError reports a refused transition. It matches both
// ErrInvalidTransition and its specific cause with errors.Is.
type TransitionError struct {
	Event Event
	From  Status
	Cause error
}

func (e *TransitionError) Error() string {
	return "invalid escrow transition: " + string(e.Event) + " from " + string(e.From) + ": " + e.Cause.Error()
}

func (e *TransitionError) Unwrap() []error {
	return []error{ErrInvalidTransition, e.Cause}
}

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Created, payment authorized but not captured
	StatusHeld      Status = "held"      // Funds captured and held by the platform
	StatusClearing  Status = "clearing"  // Delivered, dispute window running
	StatusReleased  Status = "released"  // Settled to the provider
	StatusRefunded  Status = "refunded"  // Returned to the buyer
	StatusDisputed  Status = "disputed"  // Buyer dispute awaiting admin resolution
	StatusCancelled Status = "cancelled" // Payment failed or was cancelled before capture
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusHeld, StatusClearing, StatusReleased,
		StatusRefunded, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Role identifies who is acting on an escrow.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system" // webhooks, scheduler, delivery automation
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleProvider, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the party applying a transition. Authority is checked by the
// calling layer; the escrow records the actor for audit.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// SystemActor returns an automated actor, e.g. SystemActor("clearing").
func SystemActor(name string) Actor {
	return Actor{Role: RoleSystem, ID: name}
}

// TransitionRecord is one entry of an escrow's audit trail.
type TransitionRecord struct {
	Event           Event     `json:"event"`
	From            Status    `json:"from"`
	To              Status    `json:"to"`
	Actor           Actor     `json:"actor"`
	Reason          string    `json:"reason,omitempty"`
	ExternalEventID string    `json:"externalEventId,omitempty"`
	At              time.Time `json:"at"`
}

// Escrow is a funds-holding record for one order. Amounts are in minor
// currency units (cents).
type Escrow struct {
	ID                  string             `json:"id"`
	OrderID             string             `json:"orderId"`
	BuyerID             string             `json:"buyerId"`
	ProviderID          string             `json:"providerId"`
	Amount              int64              `json:"amount"`
	Currency            string             `json:"currency"`
	PlatformFee         int64              `json:"platformFee"`
	Status              Status             `json:"status"`
	ClearingPeriodDays  int                `json:"clearingPeriodDays"`
	DisputeReason       string             `json:"disputeReason,omitempty"`
	IdempotencyKeys     []string           `json:"idempotencyKeys"`
	History             []TransitionRecord `json:"history"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"createdAt"`
	HeldAt              *time.Time         `json:"heldAt,omitempty"`
	ClearingStartedAt   *time.Time         `json:"clearingStartedAt,omitempty"`
	DisputedAt          *time.Time         `json:"disputedAt,omitempty"`
	ReleasedAt          *time.Time         `json:"releasedAt,omitempty"`
	RefundedAt          *time.Time         `json:"refundedAt,omitempty"`
	CancelledAt         *time.Time         `json:"cancelledAt,omitempty"`
	PayoutTransferredAt *time.Time         `json:"payoutTransferredAt,omitempty"`
	PayoutReference     string             `json:"payoutReference,omitempty"`
	PayoutRequestID     string             `json:"payoutRequestId,omitempty"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.Terminal()
}

// NetPayoutAmount is what the provider receives: amount minus platform fee.
func (e *Escrow) NetPayoutAmount() int64 {
	return e.Amount - e.PlatformFee
}

// HasEventKey reports whether an external event id was already applied.
func (e *Escrow) HasEventKey(key string) bool {
	return key != "" && slices.Contains(e.IdempotencyKeys, key)
}

// ClearingEndsAt returns when automatic release becomes possible, or the
// zero time if clearing has not started.
func (e *Escrow) ClearingEndsAt() time.Time {
	if e.ClearingStartedAt == nil {
		return time.Time{}
	}
	return e.ClearingStartedAt.Add(time.Duration(e.ClearingPeriodDays) * 24 * time.Hour)
}

// clearingDueAt is ClearingEndsAt for escrows in clearing and nil otherwise.
// Stores index it to find due escrows.
func (e *Escrow) clearingDueAt() *time.Time {
	if e.Status != StatusClearing || e.ClearingStartedAt == nil {
		return nil
	}
	due := e.ClearingEndsAt().UTC()
	return &due
}

// ClearingCursor positions a ListDueForClearing page after the last escrow
// returned. The zero value starts at the beginning.
type ClearingCursor struct {
	DueAt time.Time
	ID    string
}

// CursorAfter returns the cursor that continues after e.
func CursorAfter(e *Escrow) ClearingCursor {
	return ClearingCursor{DueAt: e.ClearingEndsAt().UTC(), ID: e.ID}
}

// before reports whether the cursor sorts strictly before (dueAt, id).
func (c ClearingCursor) before(dueAt time.Time, id string) bool {
	if !c.DueAt.Equal(dueAt) {
		return c.DueAt.Before(dueAt)
	}
	return c.ID < id
}

// MarshalJSON adds the derived netPayoutAmount to the wire form.
func (e Escrow) MarshalJSON() ([]byte, error) {
	type plain Escrow
	return json.Marshal(struct {
		plain
		NetPayoutAmount int64 `json:"netPayoutAmount"`
	}{plain(e), e.NetPayoutAmount()})
}

// Clone returns a deep copy so callers never share slices or timestamps
// with a store.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.IdempotencyKeys = slices.Clone(e.IdempotencyKeys)
	cp.History = slices.Clone(e.History)
	cp.HeldAt = cloneTime(e.HeldAt)
	cp.ClearingStartedAt = cloneTime(e.ClearingStartedAt)
	cp.DisputedAt = cloneTime(e.DisputedAt)
	cp.ReleasedAt = cloneTime(e.ReleasedAt)
	cp.RefundedAt = cloneTime(e.RefundedAt)
	cp.CancelledAt = cloneTime(e.CancelledAt)
	cp.PayoutTransferredAt = cloneTime(e.PayoutTransferredAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store persists escrows. Implementations must give read-after-write
// consistency per escrow and never delete records.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// ConditionalUpdate loads the escrow, fails with ErrConcurrentModification
	// unless its version equals expectedVersion, applies mutate to a copy and
	// writes it back with version+1 only if the stored version is still
	// expectedVersion. An error from mutate aborts without writing.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Escrow) error) (*Escrow, error)
	ListByProvider(ctx context.Context, providerID string) ([]*Escrow, error)
	// ListDueForClearing returns escrows in clearing whose period ended at or
	// before now, ordered by due time then id, starting after the cursor.
	// limit <= 0 means no limit.
	ListDueForClearing(ctx context.Context, now time.Time, after ClearingCursor, limit int) ([]*Escrow, error)
	Ping(ctx context.Context) error
}

// Notifier is told about every applied transition (realtime fan-out).
type Notifier interface {
	EscrowTransitioned(ctx context.Context, escrow *Escrow, record TransitionRecord)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	OrderID            string `json:"orderId" validate:"required,max=128"`
	BuyerID            string `json:"buyerId" validate:"required,max=128"`
	ProviderID         string `json:"providerId" validate:"required,max=128,nefield=BuyerID"`
	Amount             int64  `json:"amount" validate:"gt=0"`
	Currency           string `json:"currency" validate:"required,iso4217"`
	PlatformFee        int64  `json:"platformFee" validate:"gte=0,ltefield=Amount"`
	ClearingPeriodDays *int   `json:"clearingPeriodDays,omitempty" validate:"omitempty,gte=0,lte=365"`
}

// TransitionRequest is the body of the manual transition API.
type TransitionRequest struct {
	Event          Event  `json:"event"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}
