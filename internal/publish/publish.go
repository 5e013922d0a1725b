// Package publish implements the Delta Publisher (C6): a best-effort
// in-process broadcast bus (grounded on pkbatx-alert_framework's
// internal/events/bus.go bare-channel pub/sub) plus a Kafka sink for
// durable, cross-process delta delivery (grounded on the teacher's
// internal/adapter/kafka/writer.go). Publishing never blocks a batch
// commit: both sinks are best-effort from the caller's point of view.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
)

// RegionDelta is one region's entry in a Delta message (spec §4.6).
type RegionDelta struct {
	RegionCode  string  `json:"region_code"`
	RegionName  string  `json:"region_name"`
	Level       domain.Level `json:"level"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
	Meteorology string  `json:"meteorology"`
}

// Delta is the broadcast message emitted after one batch commits.
type Delta struct {
	Timestamp time.Time     `json:"timestamp"`
	RequestID string        `json:"request_id"`
	BatchIndex int          `json:"batch_index"`
	Results   []RegionDelta `json:"results"`
}

// subscriberBufferSize bounds a subscriber's channel; a slow subscriber
// that fills it misses subsequent deltas rather than blocking the
// publisher (spec §4.6: "subscribers that cannot keep up miss messages").
const subscriberBufferSize = 32

// Bus is the in-process broadcast fan-out. The authoritative state is
// always the database; Bus exists purely for near-real-time UI push.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Delta
	next int
}

// NewBus returns an empty broadcast bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Delta)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. Callers must call unsubscribe when done to avoid
// leaking the channel.
func (b *Bus) Subscribe() (<-chan Delta, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Delta, subscriberBufferSize)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Broadcast delivers delta to every current subscriber without blocking;
// a subscriber whose buffer is full simply misses it.
func (b *Bus) Broadcast(delta Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- delta:
		default:
		}
	}
}

// KafkaSink is the optional durable delta sink. It's nil-able: a Publisher
// with no KafkaSink configured simply skips the durable leg.
type KafkaSink interface {
	WriteDelta(ctx context.Context, delta Delta) error
}

// Publisher combines the broadcast bus and the durable Kafka sink into the
// single operation the Run Controller invokes after each batch commit.
type Publisher struct {
	bus     *Bus
	kafka   KafkaSink
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds a Publisher. kafka may be nil to disable the durable leg.
func New(bus *Bus, kafka KafkaSink, metrics *observability.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, kafka: kafka, metrics: metrics, logger: logger}
}

// Publish broadcasts delta in-process and, if configured, writes it to
// Kafka. Both legs are best-effort: a Kafka write failure is logged and
// never returned as an error that would roll back the caller's commit
// (spec §4.6: "publishing never blocks commit").
func (p *Publisher) Publish(ctx context.Context, delta Delta) {
	p.bus.Broadcast(delta)
	p.metrics.DeltasPublished.Inc()

	if p.kafka == nil {
		return
	}
	if err := p.kafka.WriteDelta(ctx, delta); err != nil {
		p.logger.Warn("kafka delta publish failed", "request_id", delta.RequestID, "batch_index", delta.BatchIndex, "error", err)
	}
}

// Bus exposes the underlying broadcast bus for subscribers.
func (p *Publisher) Bus() *Bus { return p.bus }

// BuildDelta assembles a Delta from a batch's committed decisions.
func BuildDelta(requestID string, batchIndex int, at time.Time, decisions []domain.Decision, meteorologyJSON map[string]string) Delta {
	results := make([]RegionDelta, len(decisions))
	for i, d := range decisions {
		results[i] = RegionDelta{
			RegionCode:  d.RegionCode,
			RegionName:  d.RegionName,
			Level:       d.Level,
			Reason:      d.Reason,
			Confidence:  d.Confidence,
			Meteorology: meteorologyJSON[d.RegionCode],
		}
	}
	return Delta{Timestamp: at, RequestID: requestID, BatchIndex: batchIndex, Results: results}
}

// marshalDelta is a small helper kept for sinks that need raw bytes (the
// Kafka sink implementation in internal/publish/kafka.go).
func marshalDelta(delta Delta) ([]byte, error) {
	return json.Marshal(delta)
}
