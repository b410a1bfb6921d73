package escrow

import "time"

// Totals are escrow sums in minor units of one currency.
type Totals struct {
	// TotalHeld is the full amount of escrows in held or clearing.
	TotalHeld int64 `json:"totalHeld"`
	// TotalDisputed is the full amount of escrows awaiting dispute resolution.
	TotalDisputed int64 `json:"totalDisputed"`
	// TotalReleased is the net payout of released escrows.
	TotalReleased int64 `json:"totalReleased"`
	// TotalRefunded is the full amount returned to buyers.
	TotalRefunded int64 `json:"totalRefunded"`
	// PendingPayouts is the net payout of released escrows not yet
	// transferred to the provider's bank account.
	PendingPayouts int64 `json:"pendingPayouts"`
	EscrowCount    int   `json:"escrowCount"`
}

func (t *Totals) add(e *Escrow) {
	t.EscrowCount++
	switch e.Status {
	case StatusHeld, StatusClearing:
		t.TotalHeld += e.Amount
	case StatusDisputed:
		t.TotalDisputed += e.Amount
	case StatusReleased:
		net := e.NetPayoutAmount()
		t.TotalReleased += net
		if e.PayoutTransferredAt == nil {
			t.PendingPayouts += net
		}
	case StatusRefunded:
		t.TotalRefunded += e.Amount
	}
}

// PayoutSummary is a provider's financial position at CalculatedAt.
// Top-level totals assume one settlement currency; ByCurrency splits them
// when a provider sells in several.
type PayoutSummary struct {
	ProviderID string `json:"providerId"`
	Totals
	Currency     string            `json:"currency,omitempty"`
	ByCurrency   map[string]Totals `json:"byCurrency"`
	CalculatedAt time.Time         `json:"calculatedAt"`
}

// Summarize aggregates a provider's escrows. Records for other providers are
// ignored, and a record seen twice in the snapshot counts once (highest
// version wins).
func Summarize(providerID string, escrows []*Escrow, now time.Time) PayoutSummary {
	latest := make(map[string]*Escrow, len(escrows))
	for _, e := range escrows {
		if e == nil || e.ProviderID != providerID {
			continue
		}
		if prev, ok := latest[e.ID]; !ok || e.Version > prev.Version {
			latest[e.ID] = e
		}
	}

	summary := PayoutSummary{
		ProviderID:   providerID,
		ByCurrency:   map[string]Totals{},
		CalculatedAt: now,
	}
	for _, e := range latest {
		summary.Totals.add(e)
		ct := summary.ByCurrency[e.Currency]
		ct.add(e)
		summary.ByCurrency[e.Currency] = ct
	}

	if len(summary.ByCurrency) == 1 {
		for c := range summary.ByCurrency {
			summary.Currency = c
		}
	}
	return summary
}
