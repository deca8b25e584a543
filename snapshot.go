package match

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/0x5487/margin-engine/protocol"
)

// OrderBookSnapshot contains the full state of a single OrderBook.
type OrderBookSnapshot struct {
	MarketID string                  `json:"market_id"`
	Market   MarketConfig            `json:"market"`
	State    protocol.OrderBookState `json:"state"`
	SeqID    uint64                  `json:"seq_id"`    // Current event sequence ID
	OrderSeq uint64                  `json:"order_seq"` // Last assigned order sequence
	TradeID  uint64                  `json:"trade_id"`  // Current Trade sequence ID
	Bids     []*Order                `json:"bids"`      // Ordered list of bids (best price first)
	Asks     []*Order                `json:"asks"`      // Ordered list of asks (best price first)
}

// Equivalent reports whether two snapshots hold the same resting orders in the
// same priority order. Counters and order timestamps are not compared.
func (s *OrderBookSnapshot) Equivalent(other *OrderBookSnapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.MarketID == other.MarketID &&
		sameOrders(s.Bids, other.Bids) &&
		sameOrders(s.Asks, other.Asks)
}

func sameOrders(a, b []*Order) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Owner != y.Owner || x.Side != y.Side ||
			!x.Price.Equal(y.Price) || !x.Size.Equal(y.Size) || !x.Locked.Equal(y.Locked) ||
			x.ExpiresAt != y.ExpiresAt {
			return false
		}
	}
	return true
}

// LedgerSnapshot is the ledger segment of an engine snapshot.
type LedgerSnapshot struct {
	Entries []LedgerEntry `json:"entries"`
}

// SnapshotMetadata holds the global metadata for a snapshot (stored in metadata.json).
type SnapshotMetadata struct {
	SchemaVersion    int    `json:"schema_version"`
	Timestamp        int64  `json:"timestamp"`         // Unix Nano
	EngineVersion    string `json:"engine_version"`    // Engine version
	SnapshotChecksum uint32 `json:"snapshot_checksum"` // CRC32 of the entire snapshot.bin file
	MarketCount      int    `json:"market_count"`
	// LastSeqIDs maps each market to its last event sequence, so an event
	// consumer knows where the snapshot cut the stream.
	LastSeqIDs map[string]uint64 `json:"last_seq_ids"`
}

// SnapshotFileFooter is the footer structure stored at the end of snapshot.bin.
// Layout: [BinaryData...][FooterJSON][FooterLength(4 bytes)]
type SnapshotFileFooter struct {
	Markets []MarketSegment `json:"markets"`          // Index of market data in this file
	Ledger  *MarketSegment  `json:"ledger,omitempty"` // Balances at the same cut
}

// MarketSegment contains metadata for one segment within the snapshot binary file.
type MarketSegment struct {
	MarketID string `json:"market_id"`
	Offset   int64  `json:"offset"`   // Start offset in snapshot.bin (relative to file start)
	Length   int64  `json:"length"`   // Length in bytes
	Checksum uint32 `json:"checksum"` // CRC32 Checksum of this segment
}

// engineSnapshot is an in-memory cut of every book plus the ledger.
type engineSnapshot struct {
	books  []*OrderBookSnapshot
	ledger *LedgerSnapshot
}

// writeSnapshot writes snap to outputDir as snapshot.bin and metadata.json.
// Files are written to a temporary directory first and renamed into place.
func writeSnapshot(outputDir string, snap *engineSnapshot) (*SnapshotMetadata, error) {
	tmpDir := outputDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}

	binPath := filepath.Join(tmpDir, "snapshot.bin")
	binFile, err := os.Create(binPath)
	if err != nil {
		return nil, err
	}

	var currentOffset int64
	writeSegment := func(id string, v any) (MarketSegment, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return MarketSegment{}, err
		}
		n, err := binFile.Write(data)
		if err != nil {
			return MarketSegment{}, err
		}
		seg := MarketSegment{
			MarketID: id,
			Offset:   currentOffset,
			Length:   int64(n),
			Checksum: crc32.ChecksumIEEE(data),
		}
		currentOffset += int64(n)
		return seg, nil
	}

	footer := SnapshotFileFooter{Markets: make([]MarketSegment, 0, len(snap.books))}
	lastSeqIDs := make(map[string]uint64, len(snap.books))
	for _, book := range snap.books {
		seg, err := writeSegment(book.MarketID, book)
		if err != nil {
			binFile.Close()
			return nil, err
		}
		footer.Markets = append(footer.Markets, seg)
		lastSeqIDs[book.MarketID] = book.SeqID
	}

	ledgerSeg, err := writeSegment("", snap.ledger)
	if err != nil {
		binFile.Close()
		return nil, err
	}
	footer.Ledger = &ledgerSeg

	footerData, err := json.Marshal(footer)
	if err != nil {
		binFile.Close()
		return nil, err
	}
	if _, err := binFile.Write(footerData); err != nil {
		binFile.Close()
		return nil, err
	}

	// Write Footer Length (4 bytes, Big Endian)
	if len(footerData) > 4294967295 {
		binFile.Close()
		return nil, errors.New("footer too large")
	}
	//nolint:gosec // Verified length above
	footerLen := uint32(len(footerData))
	if err := binary.Write(binFile, binary.BigEndian, footerLen); err != nil {
		binFile.Close()
		return nil, err
	}

	if err := binFile.Sync(); err != nil {
		binFile.Close()
		return nil, err
	}
	if err := binFile.Close(); err != nil {
		return nil, err
	}

	snapshotChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, err
	}

	meta := &SnapshotMetadata{
		SchemaVersion:    SnapshotSchemaVersion,
		Timestamp:        time.Now().UnixNano(),
		EngineVersion:    EngineVersion,
		SnapshotChecksum: snapshotChecksum,
		MarketCount:      len(snap.books),
		LastSeqIDs:       lastSeqIDs,
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "metadata.json"), metaBytes, 0600); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(outputDir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDir, outputDir); err != nil {
		return nil, err
	}
	return meta, nil
}

// readSnapshot loads and verifies a snapshot written by writeSnapshot.
func readSnapshot(inputDir string) (*SnapshotMetadata, *engineSnapshot, error) {
	metaBytes, err := os.ReadFile(filepath.Join(inputDir, "metadata.json"))
	if err != nil {
		return nil, nil, err
	}
	var meta SnapshotMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, err
	}
	if meta.SchemaVersion != SnapshotSchemaVersion {
		return nil, nil, fmt.Errorf("%w: snapshot schema %d, want %d", ErrInvalidParam, meta.SchemaVersion, SnapshotSchemaVersion)
	}

	binPath := filepath.Join(inputDir, "snapshot.bin")
	fileChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, nil, err
	}
	if fileChecksum != meta.SnapshotChecksum {
		return nil, nil, errors.New("snapshot.bin checksum mismatch")
	}

	binFile, err := os.Open(binPath)
	if err != nil {
		return nil, nil, err
	}
	defer binFile.Close()

	stat, err := binFile.Stat()
	if err != nil {
		return nil, nil, err
	}
	fileSize := stat.Size()
	if fileSize < 4 {
		return nil, nil, errors.New("snapshot.bin is truncated")
	}

	footerLenBytes := make([]byte, 4)
	if _, err := binFile.ReadAt(footerLenBytes, fileSize-4); err != nil {
		return nil, nil, err
	}
	footerLen := binary.BigEndian.Uint32(footerLenBytes)

	footerOffset := fileSize - 4 - int64(footerLen)
	if footerOffset < 0 {
		return nil, nil, errors.New("snapshot.bin footer is corrupt")
	}
	footerBytes := make([]byte, footerLen)
	if _, err := binFile.ReadAt(footerBytes, footerOffset); err != nil {
		return nil, nil, err
	}

	var footer SnapshotFileFooter
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return nil, nil, err
	}

	readSegment := func(seg MarketSegment, v any) error {
		data := make([]byte, seg.Length)
		if _, err := binFile.ReadAt(data, seg.Offset); err != nil {
			return err
		}
		if crc32.ChecksumIEEE(data) != seg.Checksum {
			return errors.New("checksum mismatch for segment " + seg.MarketID)
		}
		return json.Unmarshal(data, v)
	}

	out := &engineSnapshot{books: make([]*OrderBookSnapshot, 0, len(footer.Markets))}
	for _, seg := range footer.Markets {
		var book OrderBookSnapshot
		if err := readSegment(seg, &book); err != nil {
			return nil, nil, err
		}
		out.books = append(out.books, &book)
	}

	if footer.Ledger == nil {
		return nil, nil, errors.New("snapshot has no ledger segment")
	}
	out.ledger = &LedgerSnapshot{}
	if err := readSegment(*footer.Ledger, out.ledger); err != nil {
		return nil, nil, err
	}

	return &meta, out, nil
}

func calculateFileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
