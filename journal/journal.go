// Package journal persists the engine's event stream in pebble so a market
// can be rebuilt or audited after a restart.
package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	match "github.com/0x5487/margin-engine"
	"github.com/0x5487/margin-engine/protocol"
)

var ErrClosed = errors.New("journal: closed")

const keyPrefix = "evt/"

// Options configures a Journal.
type Options struct {
	// NoSync skips fsync on every batch. Only for tests and benchmarks.
	NoSync     bool
	Serializer protocol.Serializer
	Logger     *slog.Logger
}

// Journal is a match.PublishLog that appends every event under
// evt/<market>/<seq> in one pebble batch per Publish call.
type Journal struct {
	db         *pebble.DB
	writeOpts  *pebble.WriteOptions
	serializer protocol.Serializer
	logger     *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func Open(dir string, opts Options) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dir, err)
	}

	j := &Journal{
		db:         db,
		writeOpts:  pebble.Sync,
		serializer: opts.Serializer,
		logger:     opts.Logger,
	}
	if opts.NoSync {
		j.writeOpts = pebble.NoSync
	}
	if j.serializer == nil {
		j.serializer = protocol.DefaultJSONSerializer{}
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	j.logger = j.logger.With("component", "journal")
	return j, nil
}

// Publish writes the events. A failed write is logged and kept as a sticky
// error; later batches are refused so the journal never contains a gap.
func (j *Journal) Publish(events ...*match.Event) {
	if len(events) == 0 {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || j.err != nil {
		return
	}

	batch := j.db.NewBatch()
	defer batch.Close()
	for _, ev := range events {
		val, err := j.serializer.Marshal(ev)
		if err != nil {
			j.fail(err, ev)
			return
		}
		if err := batch.Set(eventKey(ev.MarketID, ev.SequenceID), val, nil); err != nil {
			j.fail(err, ev)
			return
		}
	}
	if err := batch.Commit(j.writeOpts); err != nil {
		j.fail(err, events[0])
	}
}

func (j *Journal) fail(err error, ev *match.Event) {
	j.err = err
	j.logger.Error("journal write failed", "market_id", ev.MarketID, "seq_id", ev.SequenceID, "error", err)
}

// Err returns the first write error, if any.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Replay calls fn for every event of the market with SequenceID >= fromSeq, in sequence order.
func (j *Journal) Replay(marketID string, fromSeq uint64, fn func(*match.Event) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(marketID, fromSeq),
		UpperBound: marketUpperBound(marketID),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		ev := new(match.Event)
		if err := j.serializer.Unmarshal(iter.Value(), ev); err != nil {
			return fmt.Errorf("journal: decode %q: %w", iter.Key(), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Events collects the market's events with SequenceID >= fromSeq.
func (j *Journal) Events(marketID string, fromSeq uint64) ([]*match.Event, error) {
	var out []*match.Event
	err := j.Replay(marketID, fromSeq, func(ev *match.Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

// LastSequence returns the highest stored SequenceID of the market, or 0.
func (j *Journal) LastSequence(marketID string) (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(marketID, 0),
		UpperBound: marketUpperBound(marketID),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	_, seq, err := parseKey(iter.Key())
	return seq, err
}

// Truncate drops the market's events with SequenceID < beforeSeq, typically
// everything covered by a snapshot.
func (j *Journal) Truncate(marketID string, beforeSeq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.db.DeleteRange(eventKey(marketID, 0), eventKey(marketID, beforeSeq), j.writeOpts)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

// eventKey is evt/<market>/ followed by the big-endian sequence so keys sort numerically.
func eventKey(marketID string, seq uint64) []byte {
	key := make([]byte, 0, len(keyPrefix)+len(marketID)+1+8)
	key = append(key, keyPrefix...)
	key = append(key, marketID...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seq)
}

// marketUpperBound is the first key after every evt/<market>/ key.
func marketUpperBound(marketID string) []byte {
	key := make([]byte, 0, len(keyPrefix)+len(marketID)+1)
	key = append(key, keyPrefix...)
	key = append(key, marketID...)
	return append(key, '/'+1)
}

func parseKey(key []byte) (string, uint64, error) {
	if !bytes.HasPrefix(key, []byte(keyPrefix)) || len(key) < len(keyPrefix)+9 {
		return "", 0, fmt.Errorf("journal: malformed key %q", key)
	}
	body := key[len(keyPrefix):]
	marketID := string(body[:len(body)-9])
	return marketID, binary.BigEndian.Uint64(body[len(body)-8:]), nil
}
