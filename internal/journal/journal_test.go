package journal

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"AttestGate/internal/attestation"
	"AttestGate/internal/consensus"
)

// newTestJournal opens a journal in a temp dir.
func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { j.Close() })

	return j, path
}

func testEntry(t *testing.T) Entry {
	t.Helper()

	a := &attestation.Attestation{
		TransactionID: "TX-1",
		ParticipantID: "P-1",
		RecordType:    attestation.RecordPrediction,
		Prediction:    1,
		Confidence:    0.92,
		AnomalyScore:  -0.31,
		RiskScore:     82.5,
		IsAnomaly:     true,
	}

	payload, err := attestation.Canonical(a, 1700000000)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}

	return Entry{
		Digest:      attestation.Sum(payload),
		Sequence:    12,
		SubmittedAt: 1700000000,
		Payload:     payload,
		Signers:     []string{"NODE_0", "NODE_1", "NODE_2"},
	}
}

func TestSequenceCeilingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if c, err := j.LoadSequenceCeiling(); err != nil || c != 0 {
		t.Fatalf("fresh ceiling: %d, %v", c, err)
	}

	seq, err := consensus.NewSequencer(j, 4)
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}

	var last uint64
	for range 6 {
		if last, err = seq.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	seq, err = consensus.NewSequencer(j, 4)
	if err != nil {
		t.Fatalf("NewSequencer after restart: %v", err)
	}

	next, err := seq.Next()
	if err != nil {
		t.Fatalf("Next after restart: %v", err)
	}

	if next <= last {
		t.Errorf("sequence reused after restart: %d <= %d", next, last)
	}
}

func TestAgreedThenRecorded(t *testing.T) {
	j, _ := newTestJournal(t)
	e := testEntry(t)

	if got, err := j.Get(e.Digest); err != nil || got != nil {
		t.Fatalf("unknown digest: %v, %v", got, err)
	}

	if err := j.MarkAgreed(e); err != nil {
		t.Fatalf("MarkAgreed: %v", err)
	}

	got, err := j.Get(e.Digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.State != StateAgreed || got.Sequence != 12 || !bytes.Equal(got.Payload, e.Payload) {
		t.Errorf("agreed entry: %+v", got)
	}

	pending, err := j.Pending()
	if err != nil || len(pending) != 1 {
		t.Fatalf("Pending: %d entries, %v", len(pending), err)
	}

	rec, err := j.MarkRecorded(e.Digest, 7, 1042, "0xabc")
	if err != nil {
		t.Fatalf("MarkRecorded: %v", err)
	}

	if rec.State != StateRecorded || rec.RecordID != 7 || rec.BlockNumber != 1042 {
		t.Errorf("recorded entry: %+v", rec)
	}

	if pending, _ := j.Pending(); len(pending) != 0 {
		t.Errorf("recorded entry should not be pending")
	}

	// A late agreement for the same digest does not downgrade the entry.
	if err := j.MarkAgreed(e); err != nil {
		t.Fatalf("MarkAgreed again: %v", err)
	}

	if got, _ := j.Get(e.Digest); got.State != StateRecorded {
		t.Errorf("state downgraded to %s", got.State)
	}
}

func TestMarkRecordedUnknownDigest(t *testing.T) {
	j, _ := newTestJournal(t)

	_, err := j.MarkRecorded(attestation.Digest{1}, 1, 1, "ref")
	if !errors.Is(err, ErrNotAgreed) {
		t.Errorf("expected ErrNotAgreed, got %v", err)
	}
}

func TestPayloadStoredCompressed(t *testing.T) {
	j, _ := newTestJournal(t)
	e := testEntry(t)
	e.Payload = bytes.Repeat(e.Payload, 50)

	if err := j.MarkAgreed(e); err != nil {
		t.Fatalf("MarkAgreed: %v", err)
	}

	raw, err := j.db.Get(entryKey(e.Digest))
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}

	if len(raw) >= len(e.Payload) {
		t.Errorf("stored %d bytes for a %d byte payload", len(raw), len(e.Payload))
	}

	got, _ := j.Get(e.Digest)
	if !bytes.Equal(got.Payload, e.Payload) {
		t.Error("payload did not survive compression")
	}
}
