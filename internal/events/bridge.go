package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
)

var log = slog.Default()

// DefaultDebounce collapses bursts from overlapping sweep runs.
const DefaultDebounce = 100 * time.Millisecond

// Recorder receives publish results.
type Recorder interface {
	RecordPublish(topic, result string)
}

// Bridge publishes domain events onto a Bus.
//
// Identical (topic, payload) pairs inside the debounce window are sent once.
// Bus failures are logged and never reach the caller: the state mutation
// that produced the event has already happened.
type Bridge struct {
	bus      Bus
	clock    clock.Clock
	debounce time.Duration
	metrics  Recorder

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewBridge creates a Bridge. A non-positive debounce uses DefaultDebounce.
func NewBridge(bus Bus, clk clock.Clock, debounce time.Duration, metrics Recorder) *Bridge {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Bridge{
		bus:      bus,
		clock:    clk,
		debounce: debounce,
		metrics:  metrics,
		lastSent: make(map[string]time.Time),
	}
}

// Publish sends payload on topic. It reports whether a message was handed
// to the bus (false when debounced or when marshalling failed).
func (b *Bridge) Publish(ctx context.Context, topic string, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn("Dropping unencodable event", "topic", topic, "error", err)
		b.record(topic, "invalid")
		return false
	}

	now := b.clock.Now()
	if !b.admit(topic+"\x00"+string(body), now) {
		log.Debug("Event debounced", "topic", topic)
		b.record(topic, "debounced")
		return false
	}

	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   body,
		Timestamp: now,
	}
	if err := b.bus.Publish(ctx, msg); err != nil {
		log.Warn("Failed to publish event", "topic", topic, "id", msg.ID, "error", err)
		b.record(topic, "error")
		return true
	}
	b.record(topic, "ok")
	return true
}

// admit records key as sent at now unless it was sent within the window.
func (b *Bridge) admit(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.lastSent[key]; ok && now.Sub(last) < b.debounce {
		return false
	}
	b.lastSent[key] = now

	// 清除過期條目，避免 map 無限增長
	if len(b.lastSent) > 1024 {
		for k, t := range b.lastSent {
			if now.Sub(t) >= b.debounce {
				delete(b.lastSent, k)
			}
		}
	}
	return true
}

func (b *Bridge) record(topic, result string) {
	if b.metrics != nil {
		b.metrics.RecordPublish(topic, result)
	}
}
