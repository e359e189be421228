package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/metrics"
)

type recordingBus struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (b *recordingBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return b.err
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

var t0 = time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)

type statusChanged struct {
	ConsultationID string `json:"consultation_id"`
	Status         string `json:"status"`
}

func TestBridgePublishesEnvelope(t *testing.T) {
	bus := &recordingBus{}
	b := NewBridge(bus, clock.NewFixed(t0, time.UTC), 0, nil)

	assert.True(t, b.Publish(context.Background(), TopicStatusChanged, statusChanged{"c-1", "no_show_customer"}))
	require.Equal(t, 1, bus.count())

	msg := bus.msgs[0]
	assert.Equal(t, TopicStatusChanged, msg.Topic)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, t0, msg.Timestamp)
	assert.JSONEq(t, `{"consultation_id":"c-1","status":"no_show_customer"}`, string(msg.Payload))
}

func TestBridgeDebounce(t *testing.T) {
	tests := []struct {
		name    string
		second  func(b *Bridge, clk *clock.Fixed) bool
		wantBus int
	}{
		{
			name: "identical payload within window",
			second: func(b *Bridge, clk *clock.Fixed) bool {
				clk.Advance(50 * time.Millisecond)
				return b.Publish(context.Background(), TopicStatusChanged, statusChanged{"c-1", "completed"})
			},
			wantBus: 1,
		},
		{
			name: "identical payload after window",
			second: func(b *Bridge, clk *clock.Fixed) bool {
				clk.Advance(100 * time.Millisecond)
				return b.Publish(context.Background(), TopicStatusChanged, statusChanged{"c-1", "completed"})
			},
			wantBus: 2,
		},
		{
			name: "different payload",
			second: func(b *Bridge, clk *clock.Fixed) bool {
				return b.Publish(context.Background(), TopicStatusChanged, statusChanged{"c-2", "completed"})
			},
			wantBus: 2,
		},
		{
			name: "same payload on another topic",
			second: func(b *Bridge, clk *clock.Fixed) bool {
				return b.Publish(context.Background(), TopicJoined, statusChanged{"c-1", "completed"})
			},
			wantBus: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &recordingBus{}
			clk := clock.NewFixed(t0, time.UTC)
			b := NewBridge(bus, clk, 100*time.Millisecond, nil)

			require.True(t, b.Publish(context.Background(), TopicStatusChanged, statusChanged{"c-1", "completed"}))
			sent := tt.second(b, clk)
			assert.Equal(t, tt.wantBus == 2, sent)
			assert.Equal(t, tt.wantBus, bus.count())
		})
	}
}

func TestBridgeSwallowsBusErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	bus := &recordingBus{err: errors.New("connection refused")}
	b := NewBridge(bus, clock.NewFixed(t0, time.UTC), 0, collector)

	assert.True(t, b.Publish(context.Background(), TopicJoined, map[string]string{"consultation_id": "c-1"}))
	assert.Equal(t, 1, bus.count())

	// an unencodable payload is dropped before reaching the bus
	assert.False(t, b.Publish(context.Background(), TopicJoined, make(chan int)))
	assert.Equal(t, 1, bus.count())

	n, err := testutil.GatherAndCount(reg, "consulta_events_published_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per result label")
}

func TestLogBus(t *testing.T) {
	assert.NoError(t, LogBus{}.Publish(context.Background(), Message{ID: "1", Topic: TopicJoined, Payload: json.RawMessage(`{}`)}))
}

func TestAMQPPublishing(t *testing.T) {
	p := publishing(Message{ID: "m-1", Topic: TopicTimeRemaining, Payload: json.RawMessage(`{"minutes":5}`), Timestamp: t0})
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "m-1", p.MessageId)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, TopicTimeRemaining, p.Type)
	assert.Equal(t, t0, p.Timestamp)
	assert.JSONEq(t, `{"minutes":5}`, string(p.Body))
}

// TestRedisBus_Integration requires a running Redis.
func TestRedisBus_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	sub := client.Subscribe(ctx, TopicJoined)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	bus := NewRedisBus(client)
	require.NoError(t, bus.Publish(ctx, Message{ID: "m-1", Topic: TopicJoined, Payload: json.RawMessage(`{"consultation_id":"c-1"}`), Timestamp: t0}))

	select {
	case got := <-sub.Channel():
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(got.Payload), &msg))
		assert.Equal(t, "m-1", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}
