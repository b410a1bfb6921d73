package webhooks

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskilo/settlement/internal/escrow"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *escrow.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g, svc := newTestGuard(t)
	r := gin.New()
	NewHandler(g, newRevolut(), NewStripe(stripeSecret, 0)).RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func post(r http.Handler, path string, h http.Header, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	for k, v := range h {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Receive(t *testing.T) {
	r, svc := setupTestRouter(t)
	e := createEscrow(t, svc)

	h, body := revolutDelivery(t, revolutEvent("evt_1", e.ID, "ORDER_COMPLETED", 10000), revolutSecret, now)
	w := post(r, "/v1/webhooks/revolut", h, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"escrowId":"`+e.ID+`","status":"held"}`, w.Body.String())

	w = post(r, "/v1/webhooks/revolut", h, body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"duplicate":true}`, w.Body.String())
}

func TestHandler_ReceiveStatusCodes(t *testing.T) {
	r, svc := setupTestRouter(t)
	e := createEscrow(t, svc)

	h, body := revolutDelivery(t, revolutEvent("evt_1", e.ID, "ORDER_COMPLETED", 10000), "forged", now)
	w := post(r, "/v1/webhooks/revolut", h, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"invalid webhook signature"}`, w.Body.String())

	h, body = revolutDelivery(t, revolutEvent("evt_2", e.ID, "SOMETHING_ELSE", 0), revolutSecret, now)
	w = post(r, "/v1/webhooks/revolut", h, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h, body = revolutDelivery(t, revolutEvent("evt_3", "esc_gone", "ORDER_COMPLETED", 1), revolutSecret, now)
	w = post(r, "/v1/webhooks/revolut", h, body)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(r, "/v1/webhooks/paypal", nil, []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)

	got, _ := svc.Get(t.Context(), e.ID)
	assert.Empty(t, got.IdempotencyKeys)
}

func TestHandler_RejectedEventAcknowledged(t *testing.T) {
	r, svc := setupTestRouter(t)
	e := createEscrow(t, svc)

	h, body := revolutDelivery(t, revolutEvent("evt_refund", e.ID, "ORDER_REFUNDED", 0), revolutSecret, now)
	w := post(r, "/v1/webhooks/revolut", h, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Contains(t, w.Body.String(), "not allowed in current status")

	w = post(r, "/v1/webhooks/revolut", h, body)
	assert.JSONEq(t, `{"success":true,"duplicate":true}`, w.Body.String())
}
