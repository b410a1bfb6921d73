package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	RevolutSignatureHeader = "Revolut-Signature"
	RevolutTimestampHeader = "Revolut-Request-Timestamp"

	// DefaultTolerance bounds how far a delivery timestamp may drift from now.
	DefaultTolerance = 5 * time.Minute
)

var revolutKinds = map[string]Kind{
	"ORDER_COMPLETED":         KindPaymentCaptured,
	"ORDER_CANCELLED":         KindPaymentFailed,
	"ORDER_PAYMENT_FAILED":    KindPaymentFailed,
	"ORDER_PAYMENT_DECLINED":  KindPaymentFailed,
	"DISPUTE_ACTION_REQUIRED": KindDisputeOpened,
	"ORDER_REFUNDED":          KindRefunded,
}

// Revolut verifies and parses Revolut Merchant webhooks.
type Revolut struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewRevolut creates the Revolut provider. A non-positive tolerance uses
// DefaultTolerance.
func NewRevolut(secret string, tolerance time.Duration) *Revolut {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Revolut{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock sets the clock used for the timestamp tolerance check.
func (r *Revolut) WithClock(now func() time.Time) *Revolut {
	r.now = now
	return r
}

func (r *Revolut) Name() string { return "revolut" }

// SignRevolut returns the "v1=<hex>" signature for body sent at timestamp
// (unix milliseconds).
func SignRevolut(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte("v1." + timestamp + "."))
	h.Write(body)
	return "v1=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks the HMAC signature and the delivery timestamp. The signature
// header may carry several comma-separated signatures during secret rotation.
func (r *Revolut) Verify(header http.Header, body []byte) error {
	if r.secret == "" {
		return errors.New("revolut webhook secret not configured")
	}
	sigHeader := header.Get(RevolutSignatureHeader)
	ts := header.Get(RevolutTimestampHeader)
	if sigHeader == "" || ts == "" {
		return errors.New("missing signature headers")
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %q", ts)
	}
	drift := r.now().Sub(time.UnixMilli(ms))
	if drift < 0 {
		drift = -drift
	}
	if drift > r.tolerance {
		return fmt.Errorf("timestamp outside tolerance (%s)", drift.Round(time.Second))
	}

	expected := []byte(SignRevolut(r.secret, ts, body))
	for _, sig := range strings.Split(sigHeader, ",") {
		if hmac.Equal([]byte(strings.TrimSpace(sig)), expected) {
			return nil
		}
	}
	return errors.New("no matching signature")
}

type revolutPayload struct {
	EventID   string `json:"eventId"`
	EscrowRef string `json:"escrowRef"`
	EventType string `json:"eventType"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// Parse decodes a Revolut body.
func (r *Revolut) Parse(body []byte) (Event, error) {
	var p revolutPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	kind, ok := revolutKinds[p.EventType]
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown revolut event type %q", ErrMalformedPayload, p.EventType)
	}
	return Event{
		ID:        strings.TrimSpace(p.EventID),
		EscrowRef: strings.TrimSpace(p.EscrowRef),
		Kind:      kind,
		Type:      p.EventType,
		Amount:    p.Amount,
		Reason:    p.Reason,
	}, nil
}
