// Package localledger is an append-only ledger persisted in a local pebble
// store. Every write is sealed in its own block.
package localledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"AttestGate/internal/attestation"
	"AttestGate/internal/ledger"
	"AttestGate/internal/logger"
	"AttestGate/internal/storage"
)

var (
	prefixRecord  = []byte("r/")
	prefixDigest  = []byte("d/")
	prefixReceipt = []byte("x/")
	keyCount      = []byte("m/count")
)

// Ledger is a pebble-backed ledger.Ledger.
type Ledger struct {
	mu  sync.Mutex // mu serializes appends
	db  *storage.Storage
	own bool
	now func() time.Time
}

// Open opens or creates a ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("open local ledger:\n%w", err)
	}

	return &Ledger{db: db, own: true, now: time.Now}, nil
}

// New wraps an already open store.
func New(db *storage.Storage) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Close closes the store if the ledger opened it.
func (l *Ledger) Close() error {
	if !l.own {
		return nil
	}
	return l.db.Close()
}

// Submit implements ledger.Ledger. The record, its digest index, its receipt
// and the new count are written in one durable batch.
func (l *Ledger) Submit(ctx context.Context, req ledger.WriteRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}

	if req.Digest.IsZero() {
		return "", fmt.Errorf("%w: empty digest", ledger.ErrRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.db.Get(digestKey(req.Digest))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	if existing != nil {
		return "", fmt.Errorf("%w: %s", ledger.ErrDuplicateDigest, req.Digest)
	}

	count, err := l.count()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}

	id := count + 1
	rec := ledger.Record{
		RecordID:        id,
		Digest:          req.Digest,
		ParticipantID:   req.ParticipantID,
		RecordType:      req.RecordType,
		RiskScoreScaled: req.RiskScoreScaled,
		IsAnomaly:       req.IsAnomaly,
		Timestamp:       l.now().UTC().Truncate(time.Second),
		BlockNumber:     id,
		Verified:        true,
	}

	ref := reference(req.Digest, id)
	receipt := ledger.Receipt{
		Reference:   ref,
		BlockNumber: id,
		Events:      []ledger.RecordEvent{{RecordID: id, Digest: req.Digest}},
	}

	recData, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record:\n%w", err)
	}

	receiptData, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("encode receipt:\n%w", err)
	}

	pairs := []storage.KeyValue{
		{Key: recordKey(id), Value: recData},
		{Key: digestKey(req.Digest), Value: encodeUint64(id)},
		{Key: receiptKey(ref), Value: receiptData},
		{Key: keyCount, Value: encodeUint64(id)},
	}

	if err := l.db.SetBatch(pairs, true); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}

	logger.Debug("record appended", "id", id, "digest", req.Digest.Short())

	return ref, nil
}

// AwaitReceipt implements ledger.Ledger. Appends are durable once Submit
// returns, so the receipt is available immediately.
func (l *Ledger) AwaitReceipt(ctx context.Context, ref string) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, err)
	}

	data, err := l.db.Get(receiptKey(ref))
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	if data == nil {
		return ledger.Receipt{}, fmt.Errorf("%w: receipt %s", ledger.ErrNotFound, ref)
	}

	var r ledger.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return ledger.Receipt{}, fmt.Errorf("decode receipt %s:\n%w", ref, err)
	}

	return r, nil
}

// GetRecord implements ledger.Ledger.
func (l *Ledger) GetRecord(_ context.Context, id uint64) (ledger.Record, error) {
	data, err := l.db.Get(recordKey(id))
	if err != nil {
		return ledger.Record{}, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	if data == nil {
		return ledger.Record{}, fmt.Errorf("%w: record %d", ledger.ErrNotFound, id)
	}

	return decodeRecord(data)
}

// VerifyDigest implements ledger.Ledger.
func (l *Ledger) VerifyDigest(_ context.Context, d attestation.Digest) (bool, uint64, error) {
	data, err := l.db.Get(digestKey(d))
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	if data == nil {
		return false, 0, nil
	}

	id, err := decodeUint64(data)
	if err != nil {
		return false, 0, err
	}

	return true, id, nil
}

// Ping implements ledger.Ledger. The height equals the record count.
func (l *Ledger) Ping(context.Context) (uint64, error) {
	return l.count()
}

// RecordCount implements ledger.Counter.
func (l *Ledger) RecordCount(context.Context) (uint64, error) {
	return l.count()
}

// Recent implements ledger.Lister with a reverse scan of the record keys.
func (l *Ledger) Recent(_ context.Context, count int) ([]ledger.Record, error) {
	records := make([]ledger.Record, 0, count)

	err := l.db.IteratePrefixReverse(prefixRecord, func(_, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}

		records = append(records, rec)
		if len(records) >= count {
			return storage.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records:\n%w", err)
	}

	return records, nil
}

func (l *Ledger) count() (uint64, error) {
	data, err := l.db.Get(keyCount)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}
	return decodeUint64(data)
}

// reference derives the transaction reference of the write of d as id.
func reference(d attestation.Digest, id uint64) string {
	h := blake3.New()
	h.Write(d[:])
	h.Write(encodeUint64(id))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func decodeRecord(data []byte) (ledger.Record, error) {
	var rec ledger.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return ledger.Record{}, fmt.Errorf("decode record:\n%w", err)
	}
	return rec, nil
}

func recordKey(id uint64) []byte {
	return append(append([]byte{}, prefixRecord...), encodeUint64(id)...)
}

func digestKey(d attestation.Digest) []byte {
	return append(append([]byte{}, prefixDigest...), d[:]...)
}

func receiptKey(ref string) []byte {
	return append(append([]byte{}, prefixReceipt...), ref...)
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.New("corrupt counter value")
	}
	return binary.BigEndian.Uint64(b), nil
}
