package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeSignatureHeader carries Stripe's "t=...,v1=..." signature.
const StripeSignatureHeader = "Stripe-Signature"

var stripeKinds = map[stripe.EventType]Kind{
	"payment_intent.succeeded":      KindPaymentCaptured,
	"payment_intent.payment_failed": KindPaymentFailed,
	"payment_intent.canceled":       KindPaymentFailed,
	"charge.dispute.created":        KindDisputeOpened,
	"charge.refunded":               KindRefunded,
}

// Stripe verifies and parses Stripe webhooks. The escrow is referenced by
// the escrowId metadata key set when the payment intent was created.
type Stripe struct {
	secret    string
	tolerance time.Duration
}

// NewStripe creates the Stripe provider. A non-positive tolerance uses
// DefaultTolerance.
func NewStripe(secret string, tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Stripe{secret: secret, tolerance: tolerance}
}

func (s *Stripe) Name() string { return "stripe" }

// Verify checks the Stripe-Signature header with the stripe-go verifier.
func (s *Stripe) Verify(header http.Header, body []byte) error {
	if s.secret == "" {
		return errors.New("stripe webhook secret not configured")
	}
	return webhook.ValidatePayloadWithTolerance(body, header.Get(StripeSignatureHeader), s.secret, s.tolerance)
}

type stripeObject struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	AmountReceived     int64             `json:"amount_received"`
	Reason             string            `json:"reason"`
	CancellationReason string            `json:"cancellation_reason"`
	Metadata           map[string]string `json:"metadata"`
}

// Parse decodes a verified Stripe event. The body's API version is not
// checked; only the fields read below matter.
func (s *Stripe) Parse(body []byte) (Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(body, &se); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	kind, ok := stripeKinds[se.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: unhandled stripe event type %q", ErrMalformedPayload, se.Type)
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: event has no data object", ErrMalformedPayload)
	}

	var obj stripeObject
	if err := json.Unmarshal(se.Data.Raw, &obj); err != nil {
		return Event{}, fmt.Errorf("%w: data object: %v", ErrMalformedPayload, err)
	}

	ev := Event{
		ID:        se.ID,
		EscrowRef: strings.TrimSpace(obj.Metadata["escrowId"]),
		Kind:      kind,
		Type:      string(se.Type),
	}
	switch kind {
	case KindPaymentCaptured:
		ev.Amount = obj.AmountReceived
	case KindPaymentFailed:
		ev.Reason = obj.CancellationReason
	case KindDisputeOpened:
		ev.Reason = obj.Reason
	}
	return ev, nil
}
