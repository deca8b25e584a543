package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	match "github.com/0x5487/margin-engine"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func trade(seq uint64) *match.Event {
	return &match.Event{
		SequenceID: seq,
		Type:       match.EventTradeExecuted,
		MarketID:   "WBTC-USDC",
		Side:       match.Buy,
		Price:      decimal.RequireFromString("60000"),
		Size:       decimal.RequireFromString("0.25"),
		TradeID:    seq,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublisher(t *testing.T) {
	t.Run("encodes events keyed by market", func(t *testing.T) {
		w := &fakeWriter{}
		p := NewPublisher(w, time.Second, nil)
		p.Publish(trade(7), trade(8))
		p.Publish()

		msgs := w.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "WBTC-USDC", string(msgs[0].Key))
		assert.Equal(t, "trade_executed", header(msgs[0], "type"))
		assert.Equal(t, "8", header(msgs[1], "seq_id"))

		var decoded match.Event
		require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
		assert.Equal(t, uint64(7), decoded.SequenceID)
		assert.Equal(t, match.Buy, decoded.Side)
		assert.True(t, decoded.Price.Equal(decimal.RequireFromString("60000")))
		assert.Equal(t, uint64(2), p.Published())

		require.NoError(t, p.Close())
		assert.True(t, w.closed)
	})

	t.Run("write errors are counted", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("broker down")}
		p := NewPublisher(w, 0, nil)
		p.Publish(trade(1), trade(2), trade(3))
		assert.Equal(t, uint64(3), p.Failed())
		assert.Zero(t, p.Published())
	})

	t.Run("unencodable events are skipped", func(t *testing.T) {
		w := &fakeWriter{}
		p := NewPublisher(w, time.Second, nil)
		bad := trade(1)
		bad.Side = 0
		p.Publish(bad, trade(2))
		require.Len(t, w.Messages(), 1)
		assert.Equal(t, uint64(1), p.Failed())
	})
}

func TestPublisherBehindAsyncLog(t *testing.T) {
	w := &fakeWriter{}
	async := match.NewAsyncPublishLog(NewPublisher(w, time.Second, nil), 16)
	for i := uint64(1); i <= 20; i++ {
		async.Publish(trade(i))
	}
	require.NoError(t, async.Close(context.Background()))

	msgs := w.Messages()
	require.Len(t, msgs, 20)
	assert.Equal(t, "20", header(msgs[19], "seq_id"))
}

func TestNewWriter(t *testing.T) {
	w := NewWriter(Config{Brokers: []string{"localhost:9092"}, Topic: "match.events"})
	assert.Equal(t, "match.events", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	require.NoError(t, w.Close())
}
