// Package journal persists what a node agreed to: the sequence reservation
// ceiling and, per digest, whether the agreed payload reached the ledger.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"AttestGate/internal/attestation"
	"AttestGate/internal/storage"
)

// Key layout.
var (
	keySequenceCeiling = []byte("m/seq-ceiling")
	prefixEntry        = []byte("j/")
)

// ErrNotAgreed is returned when recording a digest that was never agreed.
var ErrNotAgreed = errors.New("digest was not agreed")

// State is how far an agreed payload has progressed.
type State string

const (
	// StateAgreed means consensus committed but the ledger write is not confirmed.
	StateAgreed State = "agreed"

	// StateRecorded means the ledger confirmed the write.
	StateRecorded State = "recorded"
)

// Entry is the journal record of one digest.
type Entry struct {
	Digest      attestation.Digest `json:"digest"`
	Sequence    uint64             `json:"sequence"`
	View        uint64             `json:"view"`
	SubmittedAt int64              `json:"submitted_at"`
	Payload     []byte             `json:"payload"` // Payload is the canonical attestation
	Signers     []string           `json:"signers,omitempty"`
	State       State              `json:"state"`
	RecordID    uint64             `json:"record_id,omitempty"`
	BlockNumber uint64             `json:"block_number,omitempty"`
	Reference   string             `json:"reference,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Journal stores entries in a storage.Storage.
type Journal struct {
	db  *storage.Storage
	own bool // own is set when the journal opened db and must close it
}

// Open opens or creates a journal at path.
func Open(path string) (*Journal, error) {
	db, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("open journal:\n%w", err)
	}

	return &Journal{db: db, own: true}, nil
}

// New wraps an already open store.
func New(db *storage.Storage) *Journal {
	return &Journal{db: db}
}

// Close closes the underlying store if the journal opened it.
func (j *Journal) Close() error {
	if !j.own {
		return nil
	}
	return j.db.Close()
}

// LoadSequenceCeiling implements consensus.SequenceStore.
func (j *Journal) LoadSequenceCeiling() (uint64, error) {
	v, err := j.db.Get(keySequenceCeiling)
	if err != nil {
		return 0, fmt.Errorf("read sequence ceiling:\n%w", err)
	}

	if v == nil {
		return 0, nil
	}

	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt sequence ceiling: %d bytes", len(v))
	}

	return binary.BigEndian.Uint64(v), nil
}

// StoreSequenceCeiling implements consensus.SequenceStore. The write is
// synced: a reservation must survive a crash before any number in it is used.
func (j *Journal) StoreSequenceCeiling(ceiling uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ceiling)

	if err := j.db.SetDurable(keySequenceCeiling, buf[:]); err != nil {
		return fmt.Errorf("write sequence ceiling:\n%w", err)
	}

	return nil
}

// Get returns the entry for d, or nil when the digest is unknown.
func (j *Journal) Get(d attestation.Digest) (*Entry, error) {
	v, err := j.db.Get(entryKey(d))
	if err != nil {
		return nil, fmt.Errorf("read journal entry:\n%w", err)
	}

	if v == nil {
		return nil, nil
	}

	return decodeEntry(v)
}

// MarkAgreed records a committed round. An entry already recorded is left as is.
func (j *Journal) MarkAgreed(e Entry) error {
	prev, err := j.Get(e.Digest)
	if err != nil {
		return err
	}

	if prev != nil && prev.State == StateRecorded {
		return nil
	}

	e.State = StateAgreed
	e.UpdatedAt = time.Now().UTC()

	return j.put(&e)
}

// MarkRecorded stores the ledger outcome of an agreed digest.
func (j *Journal) MarkRecorded(d attestation.Digest, recordID, block uint64, reference string) (*Entry, error) {
	e, err := j.Get(d)
	if err != nil {
		return nil, err
	}

	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAgreed, d)
	}

	e.State = StateRecorded
	e.RecordID = recordID
	e.BlockNumber = block
	e.Reference = reference
	e.UpdatedAt = time.Now().UTC()

	if err := j.put(e); err != nil {
		return nil, err
	}

	return e, nil
}

// Pending returns the agreed entries whose ledger write is not confirmed,
// in digest order.
func (j *Journal) Pending() ([]*Entry, error) {
	var out []*Entry

	err := j.db.IteratePrefix(prefixEntry, func(_, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			return err
		}

		if e.State == StateAgreed {
			out = append(out, e)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan journal:\n%w", err)
	}

	return out, nil
}

func (j *Journal) put(e *Entry) error {
	v, err := encodeEntry(e)
	if err != nil {
		return err
	}

	if err := j.db.SetDurable(entryKey(e.Digest), v); err != nil {
		return fmt.Errorf("write journal entry:\n%w", err)
	}

	return nil
}

func entryKey(d attestation.Digest) []byte {
	key := make([]byte, 0, len(prefixEntry)+attestation.DigestSize)
	key = append(key, prefixEntry...)
	return append(key, d[:]...)
}

// encodeEntry stores the payload zstd-compressed inside the JSON record.
func encodeEntry(e *Entry) ([]byte, error) {
	stored := *e

	if len(e.Payload) > 0 {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create encoder:\n%w", err)
		}
		defer encoder.Close()

		stored.Payload = encoder.EncodeAll(e.Payload, nil)
	}

	return json.Marshal(&stored)
}

func decodeEntry(v []byte) (*Entry, error) {
	var e Entry

	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("decode journal entry:\n%w", err)
	}

	if len(e.Payload) > 0 {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create decoder:\n%w", err)
		}
		defer decoder.Close()

		if e.Payload, err = decoder.DecodeAll(e.Payload, nil); err != nil {
			return nil, fmt.Errorf("decompress journal payload:\n%w", err)
		}
	}

	return &e, nil
}
