// Package payouts transfers released escrow funds to providers.
//
// A payout collects a provider's released escrows that have not been paid,
// groups them by currency and sends one bank transfer per currency. Before
// money moves every escrow of a batch is claimed with the batch's request id,
// and the claim is stored on the escrow. A batch whose transfer failed or
// whose escrows were not all marked paid is retried under the claimed
// request id, so the bank deduplicates it instead of paying twice. Claims
// are dropped only when the bank rejects the transfer outright.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/idgen"
	"github.com/taskilo/settlement/internal/logging"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/syncutil"
	"github.com/taskilo/settlement/internal/traces"
)

var (
	ErrNothingToPay       = errors.New("no released escrows awaiting payout")
	ErrTransferRejected   = errors.New("payout transfer rejected")
	ErrTransferFailed     = errors.New("payout transfer failed")
	ErrInvalidBeneficiary = errors.New("invalid payout beneficiary")
	ErrPayoutInProgress   = errors.New("a payout for this provider is already running")
)

// Beneficiary identifies the provider's bank counterparty.
type Beneficiary struct {
	CounterpartyID string `json:"counterpartyId" validate:"required,max=128"`
	// AccountID selects one of the counterparty's accounts when it has several.
	AccountID string `json:"accountId,omitempty" validate:"omitempty,max=128"`
}

// TransferRequest is one outbound bank transfer.
type TransferRequest struct {
	RequestID   string
	Beneficiary Beneficiary
	Amount      int64 // minor units
	Currency    string
	Reference   string
}

// Transfer is the bank's answer to a TransferRequest.
type Transfer struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Transferer sends money to a beneficiary.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (Transfer, error)
}

// Batch is the escrows of one currency paid with a single transfer.
type Batch struct {
	Currency   string   `json:"currency"`
	Amount     int64    `json:"amount"`
	EscrowIDs  []string `json:"escrowIds"`
	RequestID  string   `json:"requestId"`
	TransferID string   `json:"transferId,omitempty"`
	State      string   `json:"state,omitempty"`
	Error      string   `json:"error,omitempty"`
	// Unmarked lists escrows paid by the transfer but not yet marked.
	Unmarked []string `json:"unmarked,omitempty"`
	// Resumed is set when the batch retries an earlier, claimed request.
	Resumed bool `json:"resumed,omitempty"`

	members []*escrow.Escrow
}

// unpaid returns the members still waiting to be marked.
func (b *Batch) unpaid() []*escrow.Escrow {
	var out []*escrow.Escrow
	for _, e := range b.members {
		if e.PayoutTransferredAt == nil {
			out = append(out, e)
		}
	}
	return out
}

// Result reports a payout run for one provider.
type Result struct {
	ProviderID string  `json:"providerId"`
	Batches    []Batch `json:"batches"`
}

// Service pays providers out of released escrows.
type Service struct {
	escrows    *escrow.Service
	transferer Transferer
	logger     *slog.Logger
	running    *syncutil.KeyedMutex
}

// NewService creates a payout service.
func NewService(escrows *escrow.Service, transferer Transferer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		escrows:    escrows,
		transferer: transferer,
		logger:     logger,
		running:    syncutil.NewKeyedMutex(),
	}
}

// PayoutProvider pays every released, unpaid escrow of providerID. A failed
// currency batch does not stop the others; the error is returned only when
// no batch was transferred.
func (s *Service) PayoutProvider(ctx context.Context, providerID string, b Beneficiary) (result *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payouts.PayoutProvider", traces.ProviderID(providerID))
	defer func() { traces.End(span, err) }()

	if strings.TrimSpace(b.CounterpartyID) == "" {
		return nil, ErrInvalidBeneficiary
	}

	// A second request would see the same unpaid escrows before the first
	// marks them, so overlapping payouts for one provider are refused.
	unlock, ok := s.running.TryLock(providerID)
	if !ok {
		return nil, ErrPayoutInProgress
	}
	defer unlock()

	list, err := s.escrows.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	batches := group(providerID, list)
	if len(batches) == 0 {
		return nil, ErrNothingToPay
	}

	result = &Result{ProviderID: providerID}
	var firstErr error
	transferred := 0
	fail := func(batch Batch, err error) {
		batch.Error = err.Error()
		if firstErr == nil {
			firstErr = err
		}
		result.Batches = append(result.Batches, batch)
	}
	for _, batch := range batches {
		if !batch.Resumed {
			if err := s.claim(ctx, &batch); err != nil {
				s.logger.Error("payout claim failed",
					"providerId", providerID, "currency", batch.Currency, "requestId", batch.RequestID, "error", err)
				fail(batch, err)
				continue
			}
		}

		t, err := s.transferer.Transfer(ctx, TransferRequest{
			RequestID:   batch.RequestID,
			Beneficiary: b,
			Amount:      batch.Amount,
			Currency:    batch.Currency,
			Reference:   fmt.Sprintf("Taskilo payout %s (%d orders)", batch.Currency, len(batch.EscrowIDs)),
		})
		if err != nil {
			metrics.PayoutTransfersTotal.WithLabelValues("failed").Inc()
			s.logger.Error("payout transfer failed",
				"providerId", providerID, "currency", batch.Currency, "amount", batch.Amount,
				"requestId", batch.RequestID, "error", err)
			// Only an outright rejection proves no money moved. A batch with a
			// member already marked was paid by this request before.
			if errors.Is(err, ErrTransferRejected) && len(batch.unpaid()) == len(batch.members) {
				s.releaseClaims(ctx, batch)
			}
			fail(batch, err)
			continue
		}

		metrics.PayoutTransfersTotal.WithLabelValues("completed").Inc()
		transferred++
		batch.TransferID, batch.State = t.ID, t.State
		for _, e := range batch.unpaid() {
			if _, err := s.escrows.MarkPaidOut(ctx, e.ID, t.ID); err != nil {
				// The claim stays, so the next payout resends this request id
				// and the bank answers with the same transfer.
				s.logger.Error("payout mark failed",
					"providerId", providerID, "escrowId", e.ID, "transferId", t.ID, "error", err)
				batch.Unmarked = append(batch.Unmarked, e.ID)
			}
		}
		s.logger.Info("provider paid out",
			"providerId", providerID, "currency", batch.Currency, "amount", batch.Amount,
			"escrows", len(batch.EscrowIDs), "transferId", t.ID, "resumed", batch.Resumed)
		result.Batches = append(result.Batches, batch)
	}

	if transferred == 0 {
		if !errors.Is(firstErr, ErrTransferRejected) {
			firstErr = fmt.Errorf("%w: %w", ErrTransferFailed, firstErr)
		}
		return result, firstErr
	}
	return result, nil
}

// claim stores batch.RequestID on every member. Members that cannot be
// claimed, for example because another instance got there first, are left
// out of the batch.
func (s *Service) claim(ctx context.Context, batch *Batch) error {
	var claimed []*escrow.Escrow
	var lastErr error
	for _, e := range batch.members {
		got, err := s.escrows.ClaimPayout(ctx, e.ID, batch.RequestID)
		if err != nil {
			s.logger.Warn("escrow left out of payout",
				"escrowId", e.ID, "requestId", batch.RequestID, "error", err)
			lastErr = err
			continue
		}
		claimed = append(claimed, got)
	}
	if len(claimed) == 0 {
		return fmt.Errorf("claim escrows: %w", lastErr)
	}
	batch.setMembers(claimed)
	return nil
}

func (s *Service) releaseClaims(ctx context.Context, batch Batch) {
	for _, e := range batch.members {
		if _, err := s.escrows.ReleasePayoutClaim(ctx, e.ID, batch.RequestID); err != nil {
			s.logger.Warn("payout claim not released",
				"escrowId", e.ID, "requestId", batch.RequestID, "error", err)
		}
	}
}

func (b *Batch) setMembers(members []*escrow.Escrow) {
	slices.SortFunc(members, func(x, y *escrow.Escrow) int { return strings.Compare(x.ID, y.ID) })
	b.members = members
	b.Amount = 0
	b.EscrowIDs = make([]string, 0, len(members))
	for _, e := range members {
		b.Amount += e.NetPayoutAmount()
		b.EscrowIDs = append(b.EscrowIDs, e.ID)
	}
}

// group returns the batches to pay. Escrows already claimed by a request are
// regrouped under it as long as one of them is unpaid; unclaimed escrows form
// one new batch per currency. Batches come in currency order.
func group(providerID string, list []*escrow.Escrow) []Batch {
	pending := make(map[string][]*escrow.Escrow)
	fresh := make(map[string][]*escrow.Escrow)
	for _, e := range list {
		if e.ProviderID != providerID || e.Status != escrow.StatusReleased {
			continue
		}
		switch {
		case e.PayoutRequestID != "":
			pending[e.PayoutRequestID] = append(pending[e.PayoutRequestID], e)
		case e.PayoutTransferredAt == nil:
			fresh[e.Currency] = append(fresh[e.Currency], e)
		}
	}

	var out []Batch
	for requestID, members := range pending {
		b := Batch{Currency: members[0].Currency, RequestID: requestID, Resumed: true}
		b.setMembers(members)
		if len(b.unpaid()) > 0 {
			out = append(out, b)
		}
	}
	for currency, members := range fresh {
		b := Batch{Currency: currency}
		b.setMembers(members)
		if b.Amount <= 0 {
			continue
		}
		b.RequestID = newRequestID()
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Batch) int {
		if c := strings.Compare(a.Currency, b.Currency); c != 0 {
			return c
		}
		return strings.Compare(a.RequestID, b.RequestID)
	})
	return out
}

// newRequestID returns a bank idempotency token. It fits the 40 character
// limit of the Revolut request_id.
func newRequestID() string {
	return idgen.WithPrefix("po_")
}
