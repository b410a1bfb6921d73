// Package events forwards escrow transitions to a Kafka topic so invoicing,
// notification and analytics consumers can follow the ledger.
//
// The Relay implements escrow.Notifier. Notification never blocks a
// transition: messages go into a bounded queue and Run publishes them in the
// background. A full queue drops the message and counts it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/idgen"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/retry"
)

// TypeEscrowTransitioned is the message type of every relayed transition.
const TypeEscrowTransitioned = "escrow.transitioned"

// Publisher writes one keyed payload to the event bus.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// KafkaPublisher publishes to a single topic. Messages with the same key land
// on the same partition, so one escrow's transitions stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message is the JSON body published for each transition. ID is derived from
// the escrow id and version, so consumers can drop redeliveries.
type Message struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	EscrowID   string        `json:"escrowId"`
	OrderID    string        `json:"orderId"`
	ProviderID string        `json:"providerId"`
	BuyerID    string        `json:"buyerId"`
	Event      escrow.Event  `json:"event"`
	From       escrow.Status `json:"from"`
	To         escrow.Status `json:"to"`
	ActorRole  escrow.Role   `json:"actorRole"`
	Reason     string        `json:"reason,omitempty"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	Version    int64         `json:"version"`
	At         time.Time     `json:"at"`
}

// NewMessage builds the bus message for a committed transition.
func NewMessage(e *escrow.Escrow, rec escrow.TransitionRecord) Message {
	return Message{
		ID:         idgen.Deterministic("evt_", e.ID+"/"+strconv.FormatInt(e.Version, 10)),
		Type:       TypeEscrowTransitioned,
		EscrowID:   e.ID,
		OrderID:    e.OrderID,
		ProviderID: e.ProviderID,
		BuyerID:    e.BuyerID,
		Event:      rec.Event,
		From:       rec.From,
		To:         rec.To,
		ActorRole:  rec.Actor.Role,
		Reason:     rec.Reason,
		Amount:     e.Amount,
		Currency:   e.Currency,
		Version:    e.Version,
		At:         rec.At,
	}
}

type queued struct {
	key     string
	id      string
	payload []byte
}

const (
	// DefaultQueueSize bounds the number of messages waiting to be published.
	DefaultQueueSize = 1024

	drainTimeout = 5 * time.Second
)

// Relay queues transitions and publishes them from Run.
type Relay struct {
	pub       Publisher
	queue     chan queued
	logger    *slog.Logger
	attempts  int
	baseDelay time.Duration
	done      chan struct{}
	started   atomic.Bool
}

var _ escrow.Notifier = (*Relay)(nil)

// NewRelay creates a relay with the default queue size.
func NewRelay(pub Publisher, logger *slog.Logger) *Relay {
	return NewRelayWithQueue(pub, logger, DefaultQueueSize)
}

// NewRelayWithQueue creates a relay holding at most size pending messages.
func NewRelayWithQueue(pub Publisher, logger *slog.Logger, size int) *Relay {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Relay{
		pub:       pub,
		queue:     make(chan queued, size),
		logger:    logger,
		attempts:  5,
		baseDelay: 200 * time.Millisecond,
		done:      make(chan struct{}),
	}
}

// WithRetry overrides the per-message publish attempts and backoff.
func (r *Relay) WithRetry(attempts int, baseDelay time.Duration) *Relay {
	r.attempts = attempts
	r.baseDelay = baseDelay
	return r
}

// EscrowTransitioned implements escrow.Notifier.
func (r *Relay) EscrowTransitioned(_ context.Context, e *escrow.Escrow, rec escrow.TransitionRecord) {
	msg := NewMessage(e, rec)
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("transition event encode failed", "escrowId", e.ID, "error", err)
		metrics.EventsPublishedTotal.WithLabelValues("failed").Inc()
		return
	}
	select {
	case r.queue <- queued{key: e.ID, id: msg.ID, payload: payload}:
	default:
		metrics.EventsPublishedTotal.WithLabelValues("dropped").Inc()
		r.logger.Warn("event queue full, dropping transition", "escrowId", e.ID, "eventId", msg.ID)
	}
}

// Pending returns the number of queued messages.
func (r *Relay) Pending() int {
	return len(r.queue)
}

// Run publishes queued messages until ctx is cancelled, then makes one
// bounded attempt to flush what is left.
func (r *Relay) Run(ctx context.Context) {
	r.started.Store(true)
	r.logger.Info("event relay started")
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.logger.Info("event relay stopped")
			return
		case m := <-r.queue:
			r.publish(ctx, m)
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case m := <-r.queue:
			r.publish(ctx, m)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, m queued) {
	err := retry.Do(ctx, r.attempts, r.baseDelay, func() error {
		return r.pub.Publish(ctx, m.key, m.payload)
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("failed").Inc()
		r.logger.Error("transition event publish failed", "escrowId", m.key, "eventId", m.id, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("published").Inc()
}

// Close waits for Run to return, if it was started, and closes the publisher.
func (r *Relay) Close(ctx context.Context) error {
	if r.started.Load() {
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}
	return r.pub.Close()
}
