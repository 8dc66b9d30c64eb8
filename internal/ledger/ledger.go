// Package ledger is the narrow client interface to the append-only record
// ledger: write-once submission, receipts, point lookup and existence checks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AttestGate/internal/attestation"
)

var (
	// ErrDuplicateDigest is returned by Submit when the digest is already recorded.
	ErrDuplicateDigest = errors.New("duplicate digest")

	// ErrUnavailable marks transient failures worth retrying.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrConfirmationTimeout is returned when a write was not confirmed in time.
	// The write may still land later.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrRejected is returned when the ledger refuses a write permanently.
	ErrRejected = errors.New("write rejected")

	// ErrNotFound is returned for unknown records or references.
	ErrNotFound = errors.New("not found")
)

// Ledger is implemented by every ledger client.
type Ledger interface {
	// Submit sends a write and returns its transaction reference.
	Submit(ctx context.Context, req WriteRequest) (string, error)

	// AwaitReceipt blocks until the write behind ref is durably confirmed.
	AwaitReceipt(ctx context.Context, ref string) (Receipt, error)

	// GetRecord returns the record with the given id.
	GetRecord(ctx context.Context, id uint64) (Record, error)

	// VerifyDigest reports whether digest is recorded, and under which id.
	VerifyDigest(ctx context.Context, digest attestation.Digest) (bool, uint64, error)

	// Ping checks connectivity and returns the current block height.
	Ping(ctx context.Context) (uint64, error)
}

// Counter is implemented by ledgers that can report their record count.
type Counter interface {
	RecordCount(ctx context.Context) (uint64, error)
}

// Lister is implemented by ledgers that can list their newest records directly.
type Lister interface {
	Recent(ctx context.Context, count int) ([]Record, error)
}

// WriteRequest is the ledger write of one agreed attestation.
type WriteRequest struct {
	Digest          attestation.Digest `json:"data_hash"`
	ParticipantID   string             `json:"participant_id"`
	RecordType      string             `json:"record_type"`
	RiskScoreScaled uint16             `json:"risk_score"` // RiskScoreScaled is round(risk*100)
	IsAnomaly       bool               `json:"is_anomaly"`
}

// NewWriteRequest builds the write request for a, whose digest is d.
func NewWriteRequest(a *attestation.Attestation, d attestation.Digest) (WriteRequest, error) {
	scaled, err := ScaleRisk(a.RiskScore)
	if err != nil {
		return WriteRequest{}, err
	}

	return WriteRequest{
		Digest:          d,
		ParticipantID:   a.ParticipantID,
		RecordType:      string(a.RecordType),
		RiskScoreScaled: scaled,
		IsAnomaly:       a.IsAnomaly,
	}, nil
}

// RecordEvent is a RecordSubmitted event found in a receipt.
type RecordEvent struct {
	RecordID uint64             `json:"record_id"`
	Digest   attestation.Digest `json:"data_hash"`
}

// Receipt confirms a write.
type Receipt struct {
	Reference   string        `json:"reference"`
	BlockNumber uint64        `json:"block_number"`
	Events      []RecordEvent `json:"events"`
}

// RecordIDFor returns the id assigned to digest by an event of the receipt.
func (r Receipt) RecordIDFor(digest attestation.Digest) (uint64, bool) {
	for _, ev := range r.Events {
		if ev.Digest == digest {
			return ev.RecordID, true
		}
	}
	return 0, false
}

// Record is a stored ledger record.
type Record struct {
	RecordID        uint64             `json:"record_id"`
	Digest          attestation.Digest `json:"data_hash"`
	ParticipantID   string             `json:"participant_id"`
	RecordType      string             `json:"record_type"`
	RiskScoreScaled uint16             `json:"risk_score"`
	IsAnomaly       bool               `json:"is_anomaly"`
	Timestamp       time.Time          `json:"timestamp"`
	BlockNumber     uint64             `json:"block_number"`
	Verified        bool               `json:"is_verified"`
}

// RiskScore returns the stored risk with its two decimals.
func (r Record) RiskScore() float64 {
	return UnscaleRisk(r.RiskScoreScaled)
}

// Recent returns up to count records, newest first, and the total count.
func Recent(ctx context.Context, l Ledger, count int) (uint64, []Record, error) {
	c, ok := l.(Counter)
	if !ok {
		return 0, nil, fmt.Errorf("ledger %T cannot count records", l)
	}

	total, err := c.RecordCount(ctx)
	if err != nil {
		return 0, nil, err
	}

	if count <= 0 {
		return total, nil, nil
	}

	if lister, ok := l.(Lister); ok {
		records, err := lister.Recent(ctx, count)
		return total, records, err
	}

	n := min(uint64(count), total)
	records := make([]Record, 0, n)

	for id := total; id > total-n; id-- {
		rec, err := l.GetRecord(ctx, id)
		if err != nil {
			return 0, nil, fmt.Errorf("get record %d:\n%w", id, err)
		}
		records = append(records, rec)
	}

	return total, records, nil
}
