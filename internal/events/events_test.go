package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/logging"
)

type published struct {
	key     string
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	got      []published
	failures int // fail this many calls before succeeding
	calls    int
	closed   bool
}

func (f *fakePublisher) Publish(_ context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, published{key: key, payload: payload})
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublisher) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleEscrow(id string, version int64) *escrow.Escrow {
	return &escrow.Escrow{
		ID: id, OrderID: "ord_1", BuyerID: "buyer_1", ProviderID: "prov_1",
		Amount: 10000, Currency: "EUR", Version: version,
	}
}

func confirmRecord() escrow.TransitionRecord {
	return escrow.TransitionRecord{
		Event: escrow.EventBuyerConfirmed, From: escrow.StatusClearing, To: escrow.StatusReleased,
		Actor: escrow.Actor{Role: escrow.RoleBuyer, ID: "buyer_1"}, At: at,
	}
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(sampleEscrow("esc_1", 4), confirmRecord())

	assert.Equal(t, TypeEscrowTransitioned, msg.Type)
	assert.Equal(t, "esc_1", msg.EscrowID)
	assert.Equal(t, escrow.StatusClearing, msg.From)
	assert.Equal(t, escrow.StatusReleased, msg.To)
	assert.Equal(t, escrow.RoleBuyer, msg.ActorRole)
	assert.Equal(t, int64(4), msg.Version)
	assert.True(t, msg.At.Equal(at))

	assert.Equal(t, msg.ID, NewMessage(sampleEscrow("esc_1", 4), confirmRecord()).ID, "same escrow version, same id")
	assert.NotEqual(t, msg.ID, NewMessage(sampleEscrow("esc_1", 5), confirmRecord()).ID)
	assert.Regexp(t, `^evt_`, msg.ID)
}

func TestRelay_PublishesKeyedByEscrow(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRelay(pub, logging.Discard()).WithRetry(3, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.EscrowTransitioned(ctx, sampleEscrow("esc_1", 2), confirmRecord())
	r.EscrowTransitioned(ctx, sampleEscrow("esc_2", 3), confirmRecord())

	require.Eventually(t, func() bool { return len(pub.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := pub.messages()
	assert.Equal(t, "esc_1", got[0].key)
	assert.Equal(t, "esc_2", got[1].key)

	var msg Message
	require.NoError(t, json.Unmarshal(got[0].payload, &msg))
	assert.Equal(t, "esc_1", msg.EscrowID)
	assert.Equal(t, escrow.EventBuyerConfirmed, msg.Event)
	assert.Equal(t, int64(10000), msg.Amount)

	require.NoError(t, r.Close(context.Background()))
	assert.True(t, pub.closed)
}

func TestRelay_RetriesTransientFailures(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	r := NewRelay(pub, logging.Discard()).WithRetry(3, time.Millisecond)

	r.EscrowTransitioned(context.Background(), sampleEscrow("esc_1", 2), confirmRecord())
	r.publish(context.Background(), <-r.queue)

	assert.Len(t, pub.messages(), 1)
	assert.Equal(t, 3, pub.calls)
}

func TestRelay_GivesUpAfterAttempts(t *testing.T) {
	pub := &fakePublisher{failures: 10}
	r := NewRelay(pub, logging.Discard()).WithRetry(2, time.Millisecond)

	r.EscrowTransitioned(context.Background(), sampleEscrow("esc_1", 2), confirmRecord())
	r.publish(context.Background(), <-r.queue)

	assert.Empty(t, pub.messages())
	assert.Equal(t, 2, pub.calls)
}

func TestRelay_DropsWhenQueueFull(t *testing.T) {
	r := NewRelayWithQueue(&fakePublisher{}, logging.Discard(), 2)
	for i := int64(1); i <= 5; i++ {
		r.EscrowTransitioned(context.Background(), sampleEscrow("esc_1", i), confirmRecord())
	}
	assert.Equal(t, 2, r.Pending())
}

func TestRelay_DrainsOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRelay(pub, logging.Discard()).WithRetry(1, 0)
	for i := int64(1); i <= 3; i++ {
		r.EscrowTransitioned(context.Background(), sampleEscrow("esc_1", i), confirmRecord())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	assert.Zero(t, r.Pending())
	assert.Len(t, pub.messages(), 3)
}

func TestRelay_CloseWithoutRun(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRelay(pub, logging.Discard())
	require.NoError(t, r.Close(context.Background()))
	assert.True(t, pub.closed)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher([]string{" ", ""}, "escrow.transitions")
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "escrow.transitions")
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestRelay_IsNotifiedByService(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRelay(pub, logging.Discard())
	svc := escrow.NewService(escrow.NewMemoryStore()).
		WithClock(func() time.Time { return at }).
		WithLogger(logging.Discard()).
		WithNotifier(r)

	e, err := svc.Create(context.Background(), escrow.CreateRequest{
		OrderID: "ord_1", BuyerID: "buyer_1", ProviderID: "prov_1", Amount: 5000, Currency: "EUR",
	})
	require.NoError(t, err)
	_, err = svc.ApplyTransition(context.Background(), e.ID, escrow.Command{
		Event: escrow.EventPaymentCaptured, Actor: escrow.SystemActor("test"),
	})
	require.NoError(t, err)

	require.Equal(t, 1, r.Pending(), "notified synchronously on commit")
	m := <-r.queue
	assert.Equal(t, e.ID, m.key)

	var msg Message
	require.NoError(t, json.Unmarshal(m.payload, &msg))
	assert.Equal(t, escrow.StatusHeld, msg.To)
	assert.Equal(t, escrow.RoleSystem, msg.ActorRole)
}
