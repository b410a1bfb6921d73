// Package webhooks ingests payment-provider notifications and applies them
// to escrows exactly once.
//
// Every delivery goes through the same pipeline:
//
//	verify signature -> parse into an Event -> look up escrow ->
//	check idempotency -> map to a state-machine command -> apply
//
// Deliveries may arrive duplicated or out of order. The escrow's idempotency
// key set absorbs replays, and an event that arrives too late to apply is
// still recorded so that its redeliveries are answered as duplicates.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/logging"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/traces"
	"github.com/taskilo/settlement/internal/validation"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownEscrow    = errors.New("unknown escrow")
)

// Kind is the provider-neutral meaning of a webhook event.
type Kind string

const (
	KindPaymentCaptured Kind = "payment_captured"
	KindPaymentFailed   Kind = "payment_failed"
	KindDisputeOpened   Kind = "dispute_opened"
	KindRefunded        Kind = "refunded"
)

// Event is a verified, parsed provider notification.
type Event struct {
	ID        string `json:"externalEventId"`
	EscrowRef string `json:"escrowRef"`
	Kind      Kind   `json:"kind"`
	// Type is the provider's own event name, kept for logs.
	Type string `json:"eventType"`
	// Amount is in minor units. Zero when the provider did not send one.
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Verifier authenticates a raw delivery.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// Parser decodes a verified body. Unknown event types are ErrMalformedPayload.
type Parser interface {
	Parse(body []byte) (Event, error)
}

// Provider is one payment provider's webhook dialect.
type Provider interface {
	Verifier
	Parser
	Name() string
}

// Result describes how an accepted delivery was handled.
type Result struct {
	Event   Event
	Escrow  *escrow.Escrow
	Outcome escrow.Outcome
	// Rejection is the guard failure for OutcomeRejected.
	Rejection error
}

// Guard turns verified provider events into escrow transitions.
type Guard struct {
	service *escrow.Service
	logger  *slog.Logger
}

// NewGuard creates a guard that applies events through service.
func NewGuard(service *escrow.Service, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Guard{service: service, logger: logger}
}

// Ingest runs one delivery through the pipeline. It returns
// ErrInvalidSignature, ErrMalformedPayload, ErrUnknownEscrow or
// escrow.ErrTransientFailure; in the first three cases nothing is written.
// A guard refusal is not an error: it comes back as OutcomeRejected.
func (g *Guard) Ingest(ctx context.Context, p Provider, header http.Header, body []byte) (res Result, err error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.Ingest", traces.PaymentProvider(p.Name()))
	defer func() { traces.End(span, err) }()

	if err := p.Verify(header, body); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(p.Name(), "invalid_signature").Inc()
		logging.Security(ctx).Warn("webhook signature rejected",
			"provider", p.Name(), "bodyBytes", len(body), "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev, err := p.Parse(body)
	if err == nil {
		err = checkEvent(ev)
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(p.Name(), "malformed").Inc()
		g.logger.Warn("malformed webhook payload", "provider", p.Name(), "error", err)
		if !errors.Is(err, ErrMalformedPayload) {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Result{}, err
	}
	span.SetAttributes(traces.EscrowID(ev.EscrowRef), traces.ExternalEventID(ev.ID))

	cmd, err := command(p.Name(), ev)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(p.Name(), "malformed").Inc()
		return Result{}, err
	}

	e, outcome, err := g.service.ApplyExternalEvent(ctx, ev.EscrowRef, cmd)
	res = Result{Event: ev, Escrow: e, Outcome: outcome}
	switch {
	case outcome == escrow.OutcomeRejected:
		res.Rejection = err
	case errors.Is(err, escrow.ErrEscrowNotFound):
		metrics.WebhookEventsTotal.WithLabelValues(p.Name(), "unknown_escrow").Inc()
		g.logger.Warn("webhook for unknown escrow",
			"provider", p.Name(), "escrowId", ev.EscrowRef, "externalEventId", ev.ID)
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, ev.EscrowRef)
	case err != nil:
		metrics.WebhookEventsTotal.WithLabelValues(p.Name(), "failed").Inc()
		g.logger.Error("webhook apply failed",
			"provider", p.Name(), "escrowId", ev.EscrowRef, "externalEventId", ev.ID, "error", err)
		if !errors.Is(err, escrow.ErrTransientFailure) {
			err = fmt.Errorf("%w: %v", escrow.ErrTransientFailure, err)
		}
		return Result{}, err
	}

	metrics.WebhookEventsTotal.WithLabelValues(p.Name(), string(outcome)).Inc()
	g.logger.Info("webhook processed",
		"provider", p.Name(), "type", ev.Type, "escrowId", ev.EscrowRef,
		"externalEventId", ev.ID, "outcome", outcome)
	return res, nil
}

func checkEvent(ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if !validation.IsValidID(ev.EscrowRef) {
		return fmt.Errorf("%w: missing or invalid escrow reference", ErrMalformedPayload)
	}
	if ev.Amount < 0 {
		return fmt.Errorf("%w: negative amount", ErrMalformedPayload)
	}
	return nil
}

// command maps an event onto the state machine. The provider acts as a
// system actor named after itself.
func command(provider string, ev Event) (escrow.Command, error) {
	cmd := escrow.Command{
		Actor:           escrow.SystemActor(provider),
		ExternalEventID: ev.ID,
		Reason:          ev.Reason,
	}
	switch ev.Kind {
	case KindPaymentCaptured:
		cmd.Event = escrow.EventPaymentCaptured
		cmd.CapturedAmount = ev.Amount
	case KindPaymentFailed:
		cmd.Event = escrow.EventPaymentFailed
	case KindDisputeOpened:
		cmd.Event = escrow.EventDisputed
		if cmd.Reason == "" {
			cmd.Reason = "dispute opened at " + provider
		}
	case KindRefunded:
		cmd.Event = escrow.EventRefundRequested
		if cmd.Reason == "" {
			cmd.Reason = "refunded at " + provider
		}
	default:
		return escrow.Command{}, fmt.Errorf("%w: unsupported event kind %q", ErrMalformedPayload, ev.Kind)
	}
	return cmd, nil
}
