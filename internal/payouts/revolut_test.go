package payouts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskilo/settlement/internal/circuitbreaker"
	"github.com/taskilo/settlement/internal/config"
)

func newTestClient(srv *httptest.Server) *RevolutClient {
	return NewRevolutClient(config.Revolut{APIURL: srv.URL + "/", AccessToken: "tok_test", AccountID: "acc_main"}).
		WithHTTPClient(srv.Client()).
		WithRetry(3, time.Millisecond)
}

var sampleTransfer = TransferRequest{
	RequestID:   "po_1",
	Beneficiary: Beneficiary{CounterpartyID: "cp_1", AccountID: "cp_acc_1"},
	Amount:      123456,
	Currency:    "EUR",
	Reference:   "Taskilo payout",
}

func TestMajorUnits(t *testing.T) {
	assert.Equal(t, "1234.56", MajorUnits(123456, "EUR"))
	assert.Equal(t, "0.05", MajorUnits(5, "gbp"))
	assert.Equal(t, "1500", MajorUnits(1500, "JPY"))
}

func TestRevolutClient_Transfer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pay", r.URL.Path)
		assert.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"tx_1","state":"pending","created_at":"2026-03-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	tr, err := newTestClient(srv).Transfer(context.Background(), sampleTransfer)
	require.NoError(t, err)
	assert.Equal(t, Transfer{ID: "tx_1", State: "pending"}, tr)

	assert.Equal(t, "po_1", got["request_id"])
	assert.Equal(t, "acc_main", got["account_id"])
	assert.Equal(t, 1234.56, got["amount"], "amount is a JSON number in major units")
	assert.Equal(t, "EUR", got["currency"])
	assert.Equal(t, map[string]any{"counterparty_id": "cp_1", "account_id": "cp_acc_1"}, got["receiver"])
}

func TestRevolutClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"tx_2","state":"completed"}`))
	}))
	defer srv.Close()

	tr, err := newTestClient(srv).Transfer(context.Background(), sampleTransfer)
	require.NoError(t, err)
	assert.Equal(t, "tx_2", tr.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRevolutClient_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":3000,"message":"Insufficient balance"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Transfer(context.Background(), sampleTransfer)
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.Contains(t, err.Error(), "Insufficient balance")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRevolutClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv).WithBreaker(circuitbreaker.New(2, time.Hour)).WithRetry(1, 0)

	for i := 0; i < 2; i++ {
		_, err := c.Transfer(context.Background(), sampleTransfer)
		require.Error(t, err)
	}
	_, err := c.Transfer(context.Background(), sampleTransfer)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, int32(2), calls.Load(), "open circuit does not call the bank")
}
