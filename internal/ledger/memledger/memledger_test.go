package memledger

import (
	"context"
	"errors"
	"testing"

	"AttestGate/internal/attestation"
	"AttestGate/internal/ledger"
)

func writeRequest(b byte) ledger.WriteRequest {
	return ledger.WriteRequest{
		Digest:          attestation.Digest{b},
		ParticipantID:   "P-1",
		RecordType:      "PREDICTION",
		RiskScoreScaled: 8250,
		IsAnomaly:       true,
	}
}

func TestSubmitAndQuery(t *testing.T) {
	ctx := context.Background()
	l := New()

	ref, err := l.Submit(ctx, writeRequest(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	receipt, err := l.AwaitReceipt(ctx, ref)
	if err != nil {
		t.Fatalf("AwaitReceipt: %v", err)
	}

	id, ok := receipt.RecordIDFor(attestation.Digest{1})
	if !ok || id != 1 {
		t.Fatalf("record id from receipt: %d, %v", id, ok)
	}

	rec, err := l.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if rec.RiskScore() != 82.5 || rec.BlockNumber != receipt.BlockNumber {
		t.Errorf("record: %+v", rec)
	}

	exists, vid, err := l.VerifyDigest(ctx, attestation.Digest{1})
	if err != nil || !exists || vid != 1 {
		t.Errorf("VerifyDigest: %v %d %v", exists, vid, err)
	}

	if _, err := l.GetRecord(ctx, 2); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("missing record: expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateDigestRejected(t *testing.T) {
	ctx := context.Background()
	l := New()

	if _, err := l.Submit(ctx, writeRequest(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := l.Submit(ctx, writeRequest(1)); !errors.Is(err, ledger.ErrDuplicateDigest) {
		t.Errorf("expected ErrDuplicateDigest, got %v", err)
	}

	if l.Writes() != 1 || l.SubmitCalls() != 2 {
		t.Errorf("writes=%d calls=%d", l.Writes(), l.SubmitCalls())
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	l := New()

	l.FailSubmits(ledger.ErrUnavailable)
	if _, err := l.Submit(ctx, writeRequest(1)); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	if l.Writes() != 0 {
		t.Fatal("failed submit must not write")
	}

	l.DelayConfirmations(1)
	ref, _ := l.Submit(ctx, writeRequest(1))

	if _, err := l.AwaitReceipt(ctx, ref); !errors.Is(err, ledger.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}

	if exists, _, _ := l.VerifyDigest(ctx, attestation.Digest{1}); !exists {
		t.Error("a late confirmation still means the write landed")
	}

	l.SetDown(true)
	if _, err := l.Ping(ctx); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("Ping while down: %v", err)
	}
}

func TestRecentUsesCounter(t *testing.T) {
	ctx := context.Background()
	l := New()

	for b := byte(1); b <= 3; b++ {
		l.Submit(ctx, writeRequest(b))
	}

	total, recs, err := ledger.Recent(ctx, l, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	if total != 3 || len(recs) != 2 || recs[0].RecordID != 3 {
		t.Errorf("Recent: total=%d %+v", total, recs)
	}
}
