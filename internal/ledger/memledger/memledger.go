// Package memledger is an in-memory ledger with call counters and fault
// injection, used by tests and by single-process deployments.
package memledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"AttestGate/internal/attestation"
	"AttestGate/internal/ledger"
)

// Ledger is an in-memory ledger.Ledger. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	records  []ledger.Record
	byDigest map[attestation.Digest]uint64
	receipts map[string]ledger.Receipt
	height   uint64

	submitCalls  int
	receiptCalls int
	verifyCalls  int

	failSubmits  []error // failSubmits are returned by the next Submit calls, in order
	lateReceipts int     // lateReceipts is how many next AwaitReceipt calls time out
	down         bool
	submitDelay  time.Duration
	now          func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		byDigest: make(map[attestation.Digest]uint64),
		receipts: make(map[string]ledger.Receipt),
		now:      time.Now,
	}
}

// FailSubmits makes the next Submit calls fail with errs, one per call,
// before the write is applied.
func (l *Ledger) FailSubmits(errs ...error) {
	l.mu.Lock()
	l.failSubmits = append(l.failSubmits, errs...)
	l.mu.Unlock()
}

// DelayConfirmations makes the next n AwaitReceipt calls report a
// confirmation timeout although the write landed.
func (l *Ledger) DelayConfirmations(n int) {
	l.mu.Lock()
	l.lateReceipts += n
	l.mu.Unlock()
}

// SetDown makes every call fail with ledger.ErrUnavailable while down is true.
func (l *Ledger) SetDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

// SetSubmitDelay makes Submit wait d (or until ctx ends) before writing.
func (l *Ledger) SetSubmitDelay(d time.Duration) {
	l.mu.Lock()
	l.submitDelay = d
	l.mu.Unlock()
}

// SubmitCalls returns how many times Submit was called.
func (l *Ledger) SubmitCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitCalls
}

// ReceiptCalls returns how many times AwaitReceipt was called.
func (l *Ledger) ReceiptCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiptCalls
}

// VerifyCalls returns how many times VerifyDigest was called.
func (l *Ledger) VerifyCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verifyCalls
}

// Writes returns how many records were written.
func (l *Ledger) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Submit implements ledger.Ledger. Record ids start at 1; every write is
// sealed in its own block.
func (l *Ledger) Submit(ctx context.Context, req ledger.WriteRequest) (string, error) {
	l.mu.Lock()
	l.submitCalls++
	delay := l.submitDelay
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ledger.ErrUnavailable, ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.down {
		return "", ledger.ErrUnavailable
	}

	if len(l.failSubmits) > 0 {
		err := l.failSubmits[0]
		l.failSubmits = l.failSubmits[1:]
		return "", err
	}

	if _, ok := l.byDigest[req.Digest]; ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrDuplicateDigest, req.Digest)
	}

	l.height++
	id := uint64(len(l.records) + 1)

	l.records = append(l.records, ledger.Record{
		RecordID:        id,
		Digest:          req.Digest,
		ParticipantID:   req.ParticipantID,
		RecordType:      req.RecordType,
		RiskScoreScaled: req.RiskScoreScaled,
		IsAnomaly:       req.IsAnomaly,
		Timestamp:       l.now().UTC().Truncate(time.Second),
		BlockNumber:     l.height,
		Verified:        true,
	})
	l.byDigest[req.Digest] = id

	ref := fmt.Sprintf("mem-%d", id)
	l.receipts[ref] = ledger.Receipt{
		Reference:   ref,
		BlockNumber: l.height,
		Events:      []ledger.RecordEvent{{RecordID: id, Digest: req.Digest}},
	}

	return ref, nil
}

// AwaitReceipt implements ledger.Ledger. Writes confirm immediately.
func (l *Ledger) AwaitReceipt(ctx context.Context, ref string) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.receiptCalls++

	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, err)
	}

	if l.down {
		return ledger.Receipt{}, ledger.ErrUnavailable
	}

	if l.lateReceipts > 0 {
		l.lateReceipts--
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrConfirmationTimeout, ref)
	}

	r, ok := l.receipts[ref]
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("%w: receipt %s", ledger.ErrNotFound, ref)
	}

	return r, nil
}

// GetRecord implements ledger.Ledger.
func (l *Ledger) GetRecord(_ context.Context, id uint64) (ledger.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.down {
		return ledger.Record{}, ledger.ErrUnavailable
	}

	if id == 0 || id > uint64(len(l.records)) {
		return ledger.Record{}, fmt.Errorf("%w: record %d", ledger.ErrNotFound, id)
	}

	return l.records[id-1], nil
}

// VerifyDigest implements ledger.Ledger.
func (l *Ledger) VerifyDigest(_ context.Context, d attestation.Digest) (bool, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.verifyCalls++

	if l.down {
		return false, 0, ledger.ErrUnavailable
	}

	id, ok := l.byDigest[d]
	return ok, id, nil
}

// Ping implements ledger.Ledger.
func (l *Ledger) Ping(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.down {
		return 0, ledger.ErrUnavailable
	}

	return l.height, nil
}

// RecordCount implements ledger.Counter.
func (l *Ledger) RecordCount(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return uint64(len(l.records)), nil
}
