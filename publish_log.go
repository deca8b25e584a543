package match

import "sync"

// PublishLog is an interface for publishing order book events (placements, fills, trades, cancels).
//
// IMPORTANT: Implementations must either:
//  1. Process events synchronously before returning, OR
//  2. Clone the Event data before returning
//
// The caller recycles Event objects to a sync.Pool after Publish returns,
// so any asynchronous processing must work with cloned data.
type PublishLog interface {
	Publish(...*Event)
}

// MemoryPublishLog stores events in memory, useful for testing.
type MemoryPublishLog struct {
	mu     sync.RWMutex
	Events []*Event
}

// NewMemoryPublishLog creates a new MemoryPublishLog.
func NewMemoryPublishLog() *MemoryPublishLog {
	return &MemoryPublishLog{
		Events: make([]*Event, 0),
	}
}

// Publish appends clones of the events to the in-memory slice.
func (m *MemoryPublishLog) Publish(events ...*Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.Events = append(m.Events, ev.Clone())
	}
}

// Count returns the number of events stored.
func (m *MemoryPublishLog) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Events)
}

// Get returns the event at the specified index.
func (m *MemoryPublishLog) Get(index int) *Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Events[index]
}

// Logs returns a copy of all events stored.
func (m *MemoryPublishLog) Logs() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := make([]*Event, len(m.Events))
	copy(logs, m.Events)
	return logs
}

// OfType returns the stored events of one type, in publish order.
func (m *MemoryPublishLog) OfType(t EventType) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, ev := range m.Events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// DiscardPublishLog discards all events, useful for benchmarking.
type DiscardPublishLog struct {
}

// NewDiscardPublishLog creates a new DiscardPublishLog.
func NewDiscardPublishLog() *DiscardPublishLog {
	return &DiscardPublishLog{}
}

// Publish does nothing.
func (p *DiscardPublishLog) Publish(events ...*Event) {

}

// MultiPublishLog forwards every batch to each sink in order.
type MultiPublishLog []PublishLog

func (m MultiPublishLog) Publish(events ...*Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(events...)
		}
	}
}
