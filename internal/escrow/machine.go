package escrow

import (
	"slices"
	"time"
)

// Event is a state-machine input.
type Event string

const (
	EventPaymentCaptured     Event = "payment_captured"
	EventPaymentFailed       Event = "payment_failed"
	EventDelivered           Event = "delivered"
	EventClearingElapsed     Event = "clearing_elapsed"
	EventBuyerConfirmed      Event = "buyer_confirmed"
	EventDisputed            Event = "disputed"
	EventResolvedForProvider Event = "resolved_for_provider"
	EventResolvedForBuyer    Event = "resolved_for_buyer"
	EventRefundRequested     Event = "refund_requested"
)

// Command is one request to move an escrow.
type Command struct {
	Event  Event
	Actor  Actor
	Reason string
	// ExternalEventID is the payment provider's event id (or a client
	// idempotency key). Replays are no-ops.
	ExternalEventID string
	// CapturedAmount is checked against the escrow amount on payment_captured.
	// Zero skips the check (manual capture by an admin).
	CapturedAmount int64
}

// Policy carries the time-based guard settings.
type Policy struct {
	// RefundWindow bounds refund_requested after funds were held. Zero is unlimited.
	RefundWindow time.Duration
}

type transition struct {
	from  []Status
	to    Status
	roles []Role
	guard func(e *Escrow, cmd Command, p Policy, now time.Time) error
}

var transitions = map[Event]transition{
	EventPaymentCaptured: {
		from:  []Status{StatusPending},
		to:    StatusHeld,
		roles: []Role{RoleSystem, RoleAdmin},
		guard: func(e *Escrow, cmd Command, _ Policy, _ time.Time) error {
			if cmd.CapturedAmount != 0 && cmd.CapturedAmount != e.Amount {
				return ErrAmountMismatch
			}
			return nil
		},
	},
	EventPaymentFailed: {
		from:  []Status{StatusPending},
		to:    StatusCancelled,
		roles: []Role{RoleSystem, RoleAdmin},
	},
	EventDelivered: {
		from:  []Status{StatusHeld},
		to:    StatusClearing,
		roles: []Role{RoleProvider, RoleSystem},
	},
	EventClearingElapsed: {
		from:  []Status{StatusClearing},
		to:    StatusReleased,
		roles: []Role{RoleSystem},
		guard: func(e *Escrow, _ Command, _ Policy, now time.Time) error {
			if !ClearingEligible(e, now) {
				return ErrClearingNotElapsed
			}
			return nil
		},
	},
	EventBuyerConfirmed: {
		from:  []Status{StatusHeld, StatusClearing},
		to:    StatusReleased,
		roles: []Role{RoleBuyer},
	},
	EventDisputed: {
		from:  []Status{StatusHeld, StatusClearing},
		to:    StatusDisputed,
		roles: []Role{RoleBuyer, RoleSystem},
		guard: func(_ *Escrow, cmd Command, _ Policy, _ time.Time) error {
			if cmd.Reason == "" {
				return ErrReasonRequired
			}
			return nil
		},
	},
	EventResolvedForProvider: {
		from:  []Status{StatusDisputed},
		to:    StatusReleased,
		roles: []Role{RoleAdmin},
	},
	EventResolvedForBuyer: {
		from:  []Status{StatusDisputed},
		to:    StatusRefunded,
		roles: []Role{RoleAdmin},
	},
	EventRefundRequested: {
		from:  []Status{StatusHeld, StatusClearing},
		to:    StatusRefunded,
		roles: []Role{RoleProvider, RoleAdmin, RoleSystem},
		guard: func(e *Escrow, _ Command, p Policy, now time.Time) error {
			if p.RefundWindow > 0 && e.HeldAt != nil && now.After(e.HeldAt.Add(p.RefundWindow)) {
				return ErrRefundWindowClosed
			}
			return nil
		},
	},
}

// Events lists every known event.
func Events() []Event {
	return []Event{
		EventPaymentCaptured, EventPaymentFailed, EventDelivered,
		EventClearingElapsed, EventBuyerConfirmed, EventDisputed,
		EventResolvedForProvider, EventResolvedForBuyer, EventRefundRequested,
	}
}

// ClearingEligible reports whether an escrow in clearing may be released
// automatically at now.
func ClearingEligible(e *Escrow, now time.Time) bool {
	if e.Status != StatusClearing || e.ClearingStartedAt == nil {
		return false
	}
	return !now.Before(e.ClearingEndsAt())
}

// Apply validates cmd against e and, if allowed, mutates e into its next
// state. On error e is left untouched. A command whose ExternalEventID is
// already recorded returns ErrDuplicateEvent before any guard runs.
func Apply(e *Escrow, cmd Command, p Policy, now time.Time) (TransitionRecord, error) {
	if e.HasEventKey(cmd.ExternalEventID) {
		return TransitionRecord{}, ErrDuplicateEvent
	}

	reject := func(cause error) (TransitionRecord, error) {
		return TransitionRecord{}, &TransitionError{Event: cmd.Event, From: e.Status, Cause: cause}
	}

	t, ok := transitions[cmd.Event]
	if !ok {
		return reject(ErrUnknownEvent)
	}
	if e.IsTerminal() {
		return reject(ErrAlreadyResolved)
	}
	if !slices.Contains(t.from, e.Status) {
		return reject(ErrInvalidStatus)
	}
	if !actorPermitted(e, t, cmd.Actor) {
		return reject(ErrActorNotPermitted)
	}
	if t.guard != nil {
		if err := t.guard(e, cmd, p, now); err != nil {
			return reject(err)
		}
	}

	rec := TransitionRecord{
		Event:           cmd.Event,
		From:            e.Status,
		To:              t.to,
		Actor:           cmd.Actor,
		Reason:          cmd.Reason,
		ExternalEventID: cmd.ExternalEventID,
		At:              now,
	}

	at := now
	switch t.to {
	case StatusHeld:
		e.HeldAt = &at
	case StatusClearing:
		e.ClearingStartedAt = &at
	case StatusDisputed:
		e.DisputedAt = &at
		e.DisputeReason = cmd.Reason
	case StatusReleased:
		e.ReleasedAt = &at
	case StatusRefunded:
		e.RefundedAt = &at
	case StatusCancelled:
		e.CancelledAt = &at
	}
	e.Status = t.to
	e.UpdatedAt = now
	if cmd.ExternalEventID != "" {
		e.IdempotencyKeys = append(e.IdempotencyKeys, cmd.ExternalEventID)
	}
	e.History = append(e.History, rec)
	return rec, nil
}

func actorPermitted(e *Escrow, t transition, a Actor) bool {
	if !slices.Contains(t.roles, a.Role) {
		return false
	}
	switch a.Role {
	case RoleBuyer:
		return a.ID == e.BuyerID
	case RoleProvider:
		return a.ID == e.ProviderID
	}
	return true
}
