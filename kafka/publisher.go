// Package kafka fans the engine's event stream out to a Kafka topic.
package kafka

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	match "github.com/0x5487/margin-engine"
	"github.com/0x5487/margin-engine/protocol"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewWriter builds a writer that hashes on the message key, so every event
// of one market lands on the same partition in sequence order.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Publisher is a match.PublishLog. Events are encoded before Publish
// returns; the write itself is synchronous, so put it behind a
// match.AsyncPublishLog to keep the broker off the order book goroutine.
type Publisher struct {
	writer     MessageWriter
	serializer protocol.Serializer
	timeout    time.Duration
	logger     *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewPublisher(writer MessageWriter, timeout time.Duration, logger *slog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		writer:     writer,
		serializer: protocol.DefaultJSONSerializer{},
		timeout:    timeout,
		logger:     logger.With("component", "kafka_publisher"),
	}
}

func (p *Publisher) Publish(events ...*match.Event) {
	if len(events) == 0 {
		return
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := p.serializer.Marshal(ev)
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("encode event failed", "market_id", ev.MarketID, "seq_id", ev.SequenceID, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.MarketID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.Type)},
				{Key: "seq_id", Value: []byte(strconv.FormatUint(ev.SequenceID, 10))},
			},
			Time: ev.CreatedAt,
		})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.failed.Add(uint64(len(msgs)))
		p.logger.Error("write events failed",
			"market_id", events[0].MarketID,
			"first_seq_id", events[0].SequenceID,
			"count", len(msgs),
			"error", err,
		)
		return
	}
	p.published.Add(uint64(len(msgs)))
}

// Published returns how many events reached the broker.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Failed returns how many events were dropped.
func (p *Publisher) Failed() uint64 {
	return p.failed.Load()
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
