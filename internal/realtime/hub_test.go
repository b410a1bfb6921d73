package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/logging"
)

func transitionEvent(providerID, escrowID string, to escrow.Status) *Event {
	return &Event{
		Type: EventEscrowTransitioned,
		Data: Transition{EscrowID: escrowID, ProviderID: providerID, To: to},
	}
}

func TestShouldSend(t *testing.T) {
	ev := transitionEvent("prov_1", "esc_1", escrow.StatusReleased)

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"provider match", Subscription{ProviderIDs: []string{"prov_1"}}, true},
		{"provider miss", Subscription{ProviderIDs: []string{"prov_2"}}, false},
		{"escrow match", Subscription{EscrowIDs: []string{"esc_1", "esc_9"}}, true},
		{"escrow miss", Subscription{EscrowIDs: []string{"esc_9"}}, false},
		{"status match", Subscription{Statuses: []escrow.Status{escrow.StatusReleased}}, true},
		{"status miss", Subscription{Statuses: []escrow.Status{escrow.StatusDisputed}}, false},
		{"all filters", Subscription{ProviderIDs: []string{"prov_1"}, Statuses: []escrow.Status{escrow.StatusDisputed}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldSend(&Client{sub: tt.sub}, ev))
		})
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	h := NewHub(logging.Discard())
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Broadcast(transitionEvent("p", "e", escrow.StatusHeld))
	}
	assert.Len(t, h.broadcast, cap(h.broadcast))
}

func TestHub_StreamsFilteredTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub(logging.Discard())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?providerId=prov_1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	other := &escrow.Escrow{ID: "esc_other", ProviderID: "prov_2", Version: 2}
	mine := &escrow.Escrow{ID: "esc_mine", ProviderID: "prov_1", Amount: 10000, Currency: "EUR", Version: 3}
	h.EscrowTransitioned(ctx, other, escrow.TransitionRecord{Event: escrow.EventDelivered, To: escrow.StatusClearing, At: at})
	h.EscrowTransitioned(ctx, mine, escrow.TransitionRecord{
		Event: escrow.EventBuyerConfirmed, From: escrow.StatusClearing, To: escrow.StatusReleased,
		Actor: escrow.Actor{Role: escrow.RoleBuyer, ID: "buyer_1"}, At: at,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, EventEscrowTransitioned, got.Type)
	assert.Equal(t, "esc_mine", got.Data.EscrowID)
	assert.Equal(t, escrow.StatusReleased, got.Data.To)
	assert.Equal(t, escrow.RoleBuyer, got.Data.ActorRole)
	assert.Equal(t, int64(3), got.Data.Version)
	assert.True(t, got.Timestamp.Equal(at))
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(logging.Discard())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
