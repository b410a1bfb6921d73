package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskilo/settlement/internal/idgen"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/retry"
	"github.com/taskilo/settlement/internal/traces"
	"github.com/taskilo/settlement/internal/validation"
)

const (
	// maxUpdateAttempts bounds re-read/re-apply cycles after a lost race.
	maxUpdateAttempts = 3
	conflictBackoff   = 5 * time.Millisecond

	// DefaultClearingPeriodDays applies when neither the request nor the
	// service configuration sets one.
	DefaultClearingPeriodDays = 14
)

// Outcome describes what happened to an external event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected" // guard refused; event id recorded
)

// Service owns every escrow write.
type Service struct {
	store              Store
	policy             Policy
	clearingPeriodDays int
	notifiers          []Notifier
	now                func() time.Time
	logger             *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{
		store:              store,
		clearingPeriodDays: DefaultClearingPeriodDays,
		now:                func() time.Time { return time.Now().UTC() },
		logger:             slog.Default(),
	}
}

// WithPolicy sets the guard policy (refund window).
func (s *Service) WithPolicy(p Policy) *Service {
	s.policy = p
	return s
}

// WithClearingPeriodDays sets the default clearing period for new escrows.
func (s *Service) WithClearingPeriodDays(days int) *Service {
	s.clearingPeriodDays = days
	return s
}

// WithNotifier adds a transition listener.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifiers = append(s.notifiers, n)
	return s
}

// WithClock replaces the time source. All guards use it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Store returns the underlying ledger store.
func (s *Service) Store() Store {
	return s.store
}

// Create opens a pending escrow for an order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := validation.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEscrow, err)
	}

	days := s.clearingPeriodDays
	if req.ClearingPeriodDays != nil {
		days = *req.ClearingPeriodDays
	}

	now := s.now()
	e := &Escrow{
		ID:                 idgen.WithPrefix("esc_"),
		OrderID:            req.OrderID,
		BuyerID:            req.BuyerID,
		ProviderID:         req.ProviderID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		PlatformFee:        req.PlatformFee,
		Status:             StatusPending,
		ClearingPeriodDays: days,
		IdempotencyKeys:    []string{},
		History:            []TransitionRecord{},
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateEscrow) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create escrow: %w", ErrTransientFailure, err)
	}

	metrics.EscrowCreatedTotal.Inc()
	s.logger.Info("escrow created",
		"escrowId", e.ID, "orderId", e.OrderID, "providerId", e.ProviderID,
		"amount", e.Amount, "currency", e.Currency)
	return e.Clone(), nil
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return e, nil
}

// ListByProvider returns every escrow for a provider.
func (s *Service) ListByProvider(ctx context.Context, providerID string) ([]*Escrow, error) {
	list, err := s.store.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

// ProviderSummary aggregates a point-in-time snapshot of a provider's escrows.
func (s *Service) ProviderSummary(ctx context.Context, providerID string) (PayoutSummary, error) {
	list, err := s.ListByProvider(ctx, providerID)
	if err != nil {
		return PayoutSummary{}, err
	}
	return Summarize(providerID, list, s.now()), nil
}

// ApplyTransition applies cmd to the escrow. A replayed ExternalEventID is
// a successful no-op returning the current escrow. Refused commands return a
// *TransitionError and leave the escrow unchanged.
func (s *Service) ApplyTransition(ctx context.Context, id string, cmd Command) (*Escrow, error) {
	e, _, err := s.apply(ctx, id, cmd, false)
	return e, err
}

// ApplyExternalEvent applies a payment-provider event. Unlike
// ApplyTransition, a refused command still records the event id so that
// redeliveries are answered as duplicates. In that case the returned escrow
// reflects the recorded key and err is the *TransitionError.
func (s *Service) ApplyExternalEvent(ctx context.Context, id string, cmd Command) (*Escrow, Outcome, error) {
	if cmd.ExternalEventID == "" {
		return nil, "", fmt.Errorf("%w: external event id is required", ErrInvalidEscrow)
	}
	return s.apply(ctx, id, cmd, true)
}

func (s *Service) apply(ctx context.Context, id string, cmd Command, recordRejected bool) (*Escrow, Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyTransition",
		traces.EscrowID(id), traces.Event(string(cmd.Event)), traces.ExternalEventID(cmd.ExternalEventID))

	var (
		result    *Escrow
		record    TransitionRecord
		outcome   Outcome
		rejection error
	)

	err := retry.DoIf(ctx, maxUpdateAttempts, conflictBackoff, isConflict, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.HasEventKey(cmd.ExternalEventID) {
			result, outcome = current, OutcomeDuplicate
			return nil
		}

		var guardErr error
		updated, err := s.store.ConditionalUpdate(ctx, id, current.Version, func(e *Escrow) error {
			rec, err := Apply(e, cmd, s.policy, s.now())
			if err != nil {
				guardErr = err
				return err
			}
			record = rec
			return nil
		})
		switch {
		case err == nil:
			result, outcome = updated, OutcomeApplied
			return nil
		case errors.Is(err, ErrDuplicateEvent):
			result, outcome = current, OutcomeDuplicate
			return nil
		case errors.Is(err, ErrConcurrentModification):
			metrics.EscrowConflictsTotal.Inc()
			return err
		case guardErr == nil || !recordRejected:
			return err
		}

		marked, err := s.store.ConditionalUpdate(ctx, id, current.Version, func(e *Escrow) error {
			if e.HasEventKey(cmd.ExternalEventID) {
				return ErrDuplicateEvent
			}
			e.IdempotencyKeys = append(e.IdempotencyKeys, cmd.ExternalEventID)
			return nil
		})
		if errors.Is(err, ErrDuplicateEvent) {
			// Recorded by a racing delivery; the next read reports the duplicate.
			err = ErrConcurrentModification
		}
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				metrics.EscrowConflictsTotal.Inc()
			}
			return err
		}
		result, outcome, rejection = marked, OutcomeRejected, guardErr
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			metrics.EscrowTransitionRejectedTotal.WithLabelValues(string(cmd.Event)).Inc()
			s.logger.Info("escrow transition rejected",
				"escrowId", id, "event", cmd.Event, "actorRole", cmd.Actor.Role, "error", err)
		} else {
			err = storeErr(err)
			if errors.Is(err, ErrTransientFailure) {
				s.logger.Warn("escrow transition failed",
					"escrowId", id, "event", cmd.Event, "error", err)
			}
		}
		traces.End(span, err)
		return nil, "", err
	}

	switch outcome {
	case OutcomeApplied:
		s.transitioned(ctx, result, record)
	case OutcomeDuplicate:
		metrics.EscrowDuplicateEventsTotal.Inc()
		s.logger.Debug("duplicate escrow event ignored",
			"escrowId", id, "event", cmd.Event, "externalEventId", cmd.ExternalEventID)
	case OutcomeRejected:
		metrics.EscrowTransitionRejectedTotal.WithLabelValues(string(cmd.Event)).Inc()
		s.logger.Info("escrow event rejected and recorded",
			"escrowId", id, "event", cmd.Event, "externalEventId", cmd.ExternalEventID, "error", rejection)
	}
	traces.End(span, rejection)
	return result, outcome, rejection
}

func (s *Service) transitioned(ctx context.Context, e *Escrow, rec TransitionRecord) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.Event), string(rec.To)).Inc()
	if e.IsTerminal() {
		metrics.EscrowDuration.Observe(rec.At.Sub(e.CreatedAt).Seconds())
	}
	s.logger.Info("escrow transitioned",
		"escrowId", e.ID, "event", rec.Event, "from", rec.From, "to", rec.To,
		"actorRole", rec.Actor.Role, "actorId", rec.Actor.ID, "version", e.Version)
	for _, n := range s.notifiers {
		n.EscrowTransitioned(ctx, e.Clone(), rec)
	}
}

// MarkPaidOut records that a released escrow's net amount was transferred
// to the provider. Repeating it with the same reference is a no-op.
func (s *Service) MarkPaidOut(ctx context.Context, id, reference string) (*Escrow, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: payout reference is required", ErrInvalidEscrow)
	}
	e, err := s.updatePayout(ctx, id, func(e *Escrow) (bool, error) {
		if e.PayoutTransferredAt != nil && e.PayoutReference == reference {
			return false, nil
		}
		if e.Status != StatusReleased {
			return false, ErrPayoutNotEligible
		}
		if e.PayoutTransferredAt != nil {
			return false, ErrPayoutAlreadyMarked
		}
		now := s.now()
		e.PayoutTransferredAt = &now
		e.PayoutReference = reference
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow payout recorded", "escrowId", id, "reference", reference)
	return e, nil
}

// ClaimPayout reserves a released, unpaid escrow for the transfer identified
// by requestID. The claim is stored before money moves, so a transfer whose
// outcome was never recorded is retried under the same request id. Claiming
// again with the same id is a no-op; a different id gets ErrPayoutClaimed.
func (s *Service) ClaimPayout(ctx context.Context, id, requestID string) (*Escrow, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: payout request id is required", ErrInvalidEscrow)
	}
	return s.updatePayout(ctx, id, func(e *Escrow) (bool, error) {
		if e.Status != StatusReleased {
			return false, ErrPayoutNotEligible
		}
		if e.PayoutTransferredAt != nil {
			return false, ErrPayoutAlreadyMarked
		}
		switch e.PayoutRequestID {
		case requestID:
			return false, nil
		case "":
			e.PayoutRequestID = requestID
			return true, nil
		default:
			return false, ErrPayoutClaimed
		}
	})
}

// ReleasePayoutClaim drops requestID's claim after the processor rejected
// the transfer outright. Claims held by other requests are left alone.
func (s *Service) ReleasePayoutClaim(ctx context.Context, id, requestID string) (*Escrow, error) {
	return s.updatePayout(ctx, id, func(e *Escrow) (bool, error) {
		if e.PayoutTransferredAt != nil {
			return false, ErrPayoutAlreadyMarked
		}
		if requestID == "" || e.PayoutRequestID != requestID {
			return false, nil
		}
		e.PayoutRequestID = ""
		return true, nil
	})
}

// updatePayout applies change under optimistic concurrency. change reports
// false when the escrow already holds the wanted state.
func (s *Service) updatePayout(ctx context.Context, id string, change func(*Escrow) (bool, error)) (*Escrow, error) {
	var result *Escrow
	err := retry.DoIf(ctx, maxUpdateAttempts, conflictBackoff, isConflict, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		changed, err := change(current.Clone())
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}
		updated, err := s.store.ConditionalUpdate(ctx, id, current.Version, func(e *Escrow) error {
			if _, err := change(e); err != nil {
				return err
			}
			e.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrPayoutNotEligible),
		errors.Is(err, ErrPayoutAlreadyMarked),
		errors.Is(err, ErrPayoutClaimed):
		return nil, err
	default:
		return nil, storeErr(err)
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// storeErr passes through domain errors and marks everything else transient.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEscrowNotFound),
		errors.Is(err, ErrInvalidEscrow),
		errors.Is(err, ErrTransientFailure):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransientFailure, err)
	}
}
