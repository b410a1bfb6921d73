package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func summaryFixture(id, providerID string, status Status, amount, fee int64) *Escrow {
	e := escrowIn(status)
	e.ID = id
	e.ProviderID = providerID
	e.Amount = amount
	e.PlatformFee = fee
	return e
}

func TestSummarize_Example(t *testing.T) {
	escrows := []*Escrow{
		summaryFixture("esc_1", "P", StatusHeld, 1000, 0),
		summaryFixture("esc_2", "P", StatusReleased, 1000, 100),
		summaryFixture("esc_3", "Q", StatusHeld, 500, 0),
	}

	s := Summarize("P", escrows, t0)
	assert.Equal(t, "P", s.ProviderID)
	assert.Equal(t, int64(1000), s.TotalHeld)
	assert.Equal(t, int64(900), s.TotalReleased)
	assert.Equal(t, int64(900), s.PendingPayouts)
	assert.Equal(t, int64(0), s.TotalRefunded)
	assert.Equal(t, 2, s.EscrowCount)
	assert.Equal(t, t0, s.CalculatedAt)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize("P", nil, t0)
	assert.Zero(t, s.Totals)
	assert.Empty(t, s.ByCurrency)
	assert.Empty(t, s.Currency)
}

func TestSummarize_AllStatuses(t *testing.T) {
	paid := summaryFixture("esc_paid", "P", StatusReleased, 2000, 200)
	at := t0.Add(time.Hour)
	paid.PayoutTransferredAt = &at

	escrows := []*Escrow{
		summaryFixture("esc_pending", "P", StatusPending, 111, 0),
		summaryFixture("esc_held", "P", StatusHeld, 1000, 100),
		summaryFixture("esc_clearing", "P", StatusClearing, 3000, 300),
		summaryFixture("esc_disputed", "P", StatusDisputed, 700, 70),
		summaryFixture("esc_released", "P", StatusReleased, 1000, 100),
		paid,
		summaryFixture("esc_refunded", "P", StatusRefunded, 400, 40),
		summaryFixture("esc_cancelled", "P", StatusCancelled, 222, 0),
	}

	s := Summarize("P", escrows, t0)
	assert.Equal(t, int64(4000), s.TotalHeld)
	assert.Equal(t, int64(700), s.TotalDisputed)
	assert.Equal(t, int64(900+1800), s.TotalReleased)
	assert.Equal(t, int64(900), s.PendingPayouts)
	assert.Equal(t, int64(400), s.TotalRefunded)
	assert.Equal(t, 8, s.EscrowCount)
}

func TestSummarize_SnapshotDuplicateCountsOnce(t *testing.T) {
	// The same escrow seen before and after it moved from held to released.
	before := summaryFixture("esc_1", "P", StatusHeld, 1000, 100)
	after := summaryFixture("esc_1", "P", StatusReleased, 1000, 100)
	after.Version = before.Version + 1

	s := Summarize("P", []*Escrow{after, before}, t0)
	assert.Equal(t, 1, s.EscrowCount)
	assert.Equal(t, int64(0), s.TotalHeld)
	assert.Equal(t, int64(900), s.TotalReleased)
}

func TestSummarize_ByCurrency(t *testing.T) {
	eur := summaryFixture("esc_eur", "P", StatusReleased, 1000, 100)
	usd := summaryFixture("esc_usd", "P", StatusReleased, 500, 50)
	usd.Currency = "USD"

	s := Summarize("P", []*Escrow{eur, usd}, t0)
	assert.Empty(t, s.Currency, "mixed currencies have no single settlement currency")
	assert.Equal(t, int64(900), s.ByCurrency["EUR"].TotalReleased)
	assert.Equal(t, int64(450), s.ByCurrency["USD"].TotalReleased)
	assert.Equal(t, 1, s.ByCurrency["USD"].EscrowCount)
}
