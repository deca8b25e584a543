package match

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrDisruptorTimeout is returned when shutdown times out
var ErrDisruptorTimeout = errors.New("disruptor: shutdown timeout")

// EventHandler consumes entries of a RingBuffer on the consumer goroutine.
type EventHandler[T any] interface {
	OnEvent(event T)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc[T any] func(T)

func (f EventHandlerFunc[T]) OnEvent(event T) {
	f(event)
}

// RingBuffer is a multi-producer single-consumer ring.
// Producers claim a slot with CAS and spin while the ring is full.
type RingBuffer[T any] struct {
	_                [56]byte
	producerSequence atomic.Int64
	_                [56]byte
	consumerSequence atomic.Int64
	_                [56]byte

	buffer     []T
	bufferMask int64
	capacity   int64

	// published[i] holds the sequence last written to slot i.
	published []int64

	handler    EventHandler[T]
	isShutdown atomic.Bool
	done       chan struct{}
}

// NewRingBuffer creates a ring. capacity must be a power of two.
func NewRingBuffer[T any](capacity int64, handler EventHandler[T]) *RingBuffer[T] {
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		panic("size must be a power of 2")
	}

	rb := &RingBuffer[T]{
		buffer:     make([]T, capacity),
		published:  make([]int64, capacity),
		capacity:   capacity,
		bufferMask: capacity - 1,
		handler:    handler,
		done:       make(chan struct{}),
	}
	rb.producerSequence.Store(-1)
	rb.consumerSequence.Store(-1)
	for i := range rb.published {
		atomic.StoreInt64(&rb.published[i], -1)
	}
	return rb
}

// Publish writes one entry. It reports false once the ring is shut down.
func (rb *RingBuffer[T]) Publish(event T) bool {
	var nextSeq int64
	for {
		if rb.isShutdown.Load() {
			return false
		}

		current := rb.producerSequence.Load()
		nextSeq = current + 1

		// Never lap the consumer.
		if nextSeq-rb.capacity > rb.consumerSequence.Load() {
			runtime.Gosched()
			continue
		}
		if rb.producerSequence.CompareAndSwap(current, nextSeq) {
			break
		}
		runtime.Gosched()
	}

	index := nextSeq & rb.bufferMask
	rb.buffer[index] = event
	atomic.StoreInt64(&rb.published[index], nextSeq)
	return true
}

// Start launches the consumer goroutine.
func (rb *RingBuffer[T]) Start() {
	go rb.consumerLoop()
}

// Shutdown rejects further publishes and waits until every claimed entry is consumed.
func (rb *RingBuffer[T]) Shutdown(ctx context.Context) error {
	rb.isShutdown.Store(true)
	select {
	case <-rb.done:
		return nil
	case <-ctx.Done():
		return ErrDisruptorTimeout
	}
}

func (rb *RingBuffer[T]) consumerLoop() {
	defer close(rb.done)

	next := rb.consumerSequence.Load() + 1
	for {
		// Read the flag before the producer sequence so a final drain sees every claim.
		stopping := rb.isShutdown.Load()
		available := rb.producerSequence.Load()

		processed := next <= available
		for ; next <= available; next++ {
			rb.consume(next)
		}

		if stopping {
			for available = rb.producerSequence.Load(); next <= available; next++ {
				rb.consume(next)
			}
			return
		}
		if !processed {
			runtime.Gosched()
		}
	}
}

func (rb *RingBuffer[T]) consume(seq int64) {
	index := seq & rb.bufferMask
	for atomic.LoadInt64(&rb.published[index]) != seq {
		runtime.Gosched()
	}

	event := rb.buffer[index]
	var zero T
	rb.buffer[index] = zero
	rb.handler.OnEvent(event)
	rb.consumerSequence.Store(seq)
}

// ConsumerSequence returns the last consumed sequence.
func (rb *RingBuffer[T]) ConsumerSequence() int64 {
	return rb.consumerSequence.Load()
}

// ProducerSequence returns the last claimed sequence.
func (rb *RingBuffer[T]) ProducerSequence() int64 {
	return rb.producerSequence.Load()
}

// GetPendingEvents returns how many claimed entries are not consumed yet.
func (rb *RingBuffer[T]) GetPendingEvents() int64 {
	return rb.producerSequence.Load() - rb.consumerSequence.Load()
}

// AsyncPublishLog moves downstream sinks (journal, broker, oracle) off the
// order book goroutine. Publish clones each batch into the ring and returns;
// the consumer forwards batches to the sink in publish order.
type AsyncPublishLog struct {
	ring *RingBuffer[[]*Event]
}

// NewAsyncPublishLog starts a consumer that forwards to sink. capacity is in batches.
func NewAsyncPublishLog(sink PublishLog, capacity int64) *AsyncPublishLog {
	ring := NewRingBuffer[[]*Event](capacity, EventHandlerFunc[[]*Event](func(batch []*Event) {
		sink.Publish(batch...)
	}))
	ring.Start()
	return &AsyncPublishLog{ring: ring}
}

func (a *AsyncPublishLog) Publish(events ...*Event) {
	if len(events) == 0 {
		return
	}
	batch := make([]*Event, len(events))
	for i, ev := range events {
		batch[i] = ev.Clone()
	}
	if !a.ring.Publish(batch) {
		logger.Warn("async publish log closed, dropping events", "count", len(batch), "first_seq_id", batch[0].SequenceID)
	}
}

// Pending returns the number of batches not yet delivered.
func (a *AsyncPublishLog) Pending() int64 {
	return a.ring.GetPendingEvents()
}

// Close stops accepting batches and waits for the queued ones to be delivered.
func (a *AsyncPublishLog) Close(ctx context.Context) error {
	return a.ring.Shutdown(ctx)
}
