package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service, *testClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _, clock := newTestService(t)
	handler := NewHandler(svc, NewScheduler(svc, discardLogger()))

	r := gin.New()
	v1 := r.Group("/v1")
	// Stand-in for the internal auth middleware.
	v1.Use(func(c *gin.Context) {
		c.Set(ContextKeyActorRole, c.GetHeader("X-Actor-Role"))
		c.Set(ContextKeyActorID, c.GetHeader("X-Actor-Id"))
		c.Next()
	})
	handler.RegisterRoutes(v1)
	return r, svc, clock
}

func doJSON(r http.Handler, method, path string, body any, actor Actor) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.Role != "" {
		req.Header.Set("X-Actor-Role", string(actor.Role))
		req.Header.Set("X-Actor-Id", actor.ID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow struct {
		ID              string   `json:"id"`
		Status          Status   `json:"status"`
		NetPayoutAmount int64    `json:"netPayoutAmount"`
		IdempotencyKeys []string `json:"idempotencyKeys"`
	} `json:"escrow"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func createViaAPI(t *testing.T, r http.Handler) string {
	t.Helper()
	w := doJSON(r, "POST", "/v1/escrows", CreateRequest{
		OrderID: "ord_1", BuyerID: "buyer_1", ProviderID: "prov_1",
		Amount: 10000, Currency: "EUR", PlatformFee: 1000,
	}, system)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusPending, resp.Escrow.Status)
	assert.Equal(t, int64(9000), resp.Escrow.NetPayoutAmount)
	return resp.Escrow.ID
}

func TestHandler_CreateAndGet(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	id := createViaAPI(t, r)

	w := doJSON(r, "GET", "/v1/escrows/"+id, nil, system)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = doJSON(r, "GET", "/v1/escrows/esc_missing", nil, system)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var er errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	assert.Equal(t, "not_found", er.Error)
	assert.Equal(t, "Payment not found.", er.Message)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	w := doJSON(r, "POST", "/v1/escrows", CreateRequest{
		OrderID: "ord_1", BuyerID: "b", ProviderID: "p", Amount: 100, PlatformFee: 200, Currency: "EUR",
	}, system)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "platformFee")

	req := httptest.NewRequest("POST", "/v1/escrows", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Transitions(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	id := createViaAPI(t, r)
	path := "/v1/escrows/" + id + "/transitions"

	w := doJSON(r, "POST", path, TransitionRequest{Event: EventPaymentCaptured}, system)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Wrong provider is forbidden.
	w = doJSON(r, "POST", path, TransitionRequest{Event: EventDelivered}, Actor{Role: RoleProvider, ID: "prov_2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, "POST", path, TransitionRequest{Event: EventDelivered}, provider)
	require.Equal(t, http.StatusOK, w.Code)
	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusClearing, resp.Escrow.Status)

	// Dispute needs a reason.
	w = doJSON(r, "POST", path, TransitionRequest{Event: EventDisputed}, buyer)
	assert.Equal(t, http.StatusConflict, w.Code)
	var er errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	assert.Equal(t, "invalid_transition", er.Error)
	assert.Equal(t, "Please describe the problem before opening a dispute.", er.Message)

	w = doJSON(r, "POST", path, TransitionRequest{Event: EventBuyerConfirmed}, buyer)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", path, TransitionRequest{Event: EventRefundRequested}, admin)
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	assert.Equal(t, "This payment has already been settled and can no longer be changed.", er.Message)
}

func TestHandler_TransitionRequiresActor(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	id := createViaAPI(t, r)

	w := doJSON(r, "POST", "/v1/escrows/"+id+"/transitions", TransitionRequest{Event: EventPaymentCaptured}, Actor{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, "POST", "/v1/escrows/"+id+"/transitions", TransitionRequest{}, system)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_IdempotencyKeyHeader(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	id := createViaAPI(t, r)

	send := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(TransitionRequest{Event: EventPaymentCaptured})
		req := httptest.NewRequest("POST", "/v1/escrows/"+id+"/transitions", bytes.NewReader(body))
		req.Header.Set("X-Actor-Role", "system")
		req.Header.Set("X-Actor-Id", "checkout")
		req.Header.Set("Idempotency-Key", "checkout-42")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	second := send()
	require.Equal(t, http.StatusOK, second.Code, "retry with the same key succeeds as a no-op")

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, []string{"checkout-42"}, resp.Escrow.IdempotencyKeys)
}

func TestHandler_ProviderEndpoints(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	id := createViaAPI(t, r)
	doJSON(r, "POST", "/v1/escrows/"+id+"/transitions", TransitionRequest{Event: EventPaymentCaptured}, system)

	w := doJSON(r, "GET", "/v1/providers/prov_1/escrows", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = doJSON(r, "GET", "/v1/providers/prov_1/summary", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var sum struct {
		Summary PayoutSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, int64(10000), sum.Summary.TotalHeld)
	assert.Equal(t, 1, sum.Summary.EscrowCount)

	w = doJSON(r, "GET", "/v1/providers/nobody/escrows", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"escrows":[]`)
}

func TestHandler_RunClearing(t *testing.T) {
	r, _, clock := setupTestRouter(t)
	id := createViaAPI(t, r)
	path := "/v1/escrows/" + id + "/transitions"
	doJSON(r, "POST", path, TransitionRequest{Event: EventPaymentCaptured}, system)
	doJSON(r, "POST", path, TransitionRequest{Event: EventDelivered}, provider)

	clock.Advance(3*24*time.Hour + time.Minute)
	w := doJSON(r, "POST", "/v1/internal/clearing/run", nil, provider)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, "POST", "/v1/internal/clearing/run", nil, system)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"processed":1,"released":1,"errors":0}`, w.Body.String())
}

func TestHandler_ListProviderEscrowsPaged(t *testing.T) {
	r, svc, clock := setupTestRouter(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, createEscrow(t, svc).ID)
		clock.Advance(time.Minute)
	}

	type page struct {
		Escrows []struct {
			ID string `json:"id"`
		} `json:"escrows"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}

	var seen []string
	url := "/v1/providers/prov_1/escrows?limit=2"
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "pagination does not terminate")
		w := doJSON(r, "GET", url, nil, admin)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		for _, e := range p.Escrows {
			seen = append(seen, e.ID)
		}
		if !p.HasMore {
			break
		}
		url = "/v1/providers/prov_1/escrows?limit=2&cursor=" + p.NextCursor
	}

	// Newest first.
	require.Len(t, seen, 5)
	for i, id := range seen {
		assert.Equal(t, ids[4-i], id)
	}

	w := doJSON(r, "GET", "/v1/providers/prov_1/escrows?cursor=garbage!", nil, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, "GET", "/v1/providers/prov_1/escrows?limit=0", nil, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
