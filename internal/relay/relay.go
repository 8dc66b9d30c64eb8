// Package relay writes agreed attestations to the ledger. It retries
// transient failures, tells confirmation timeouts apart from rejections and
// treats duplicate digests as success with the existing record id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"AttestGate/internal/attestation"
	"AttestGate/internal/ledger"
	"AttestGate/internal/logger"
	"AttestGate/internal/metrics"
)

const (
	defaultMaxAttempts    = 5
	defaultBaseBackoff    = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultConfirmTimeout = 30 * time.Second
	defaultCacheSize      = 4096

	// lookupTimeout bounds record lookups made after the ledger confirmed,
	// which run even when the caller's context is done.
	lookupTimeout = 5 * time.Second
)

// ErrLedgerRelayFailed matches every *Error.
var ErrLedgerRelayFailed = errors.New("ledger relay failed")

// Error is returned when a relay gives up. It unwraps to the last cause.
type Error struct {
	Attempts int   // Attempts is the number of ledger writes tried
	Err      error // Err is the last underlying failure
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger relay failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLedgerRelayFailed) hold.
func (e *Error) Is(target error) bool { return target == ErrLedgerRelayFailed }

// Outcome is the result of a successful relay.
type Outcome struct {
	Digest      attestation.Digest `json:"digest"`
	RecordID    uint64             `json:"record_id"`
	BlockNumber uint64             `json:"block_number,omitempty"` // BlockNumber is the confirmation marker
	Reference   string             `json:"reference,omitempty"`
	Duplicate   bool               `json:"duplicate"` // Duplicate is set when the digest was already recorded
	Attempts    int                `json:"attempts"`
}

// Config configures a relay.
type Config struct {
	Ledger         ledger.Ledger
	MaxAttempts    int           // MaxAttempts bounds ledger writes per commit
	BaseBackoff    time.Duration // BaseBackoff is the wait after the first failure, doubled each time
	MaxBackoff     time.Duration // MaxBackoff caps the wait between attempts
	ConfirmTimeout time.Duration // ConfirmTimeout bounds each wait for a receipt
	CacheSize      int           // CacheSize is the number of confirmed digests remembered
	Metrics        *metrics.Metrics
}

// Relay commits agreed attestations to a ledger. It is safe for concurrent use.
type Relay struct {
	ledger  ledger.Ledger
	cfg     Config
	metrics *metrics.Metrics
	cache   *lru.Cache // cache maps attestation.Digest to Outcome
}

// New creates a relay, filling defaults for zero config values.
func New(cfg Config) (*Relay, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("relay needs a ledger")
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.BaseBackoff)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create confirmation cache:\n%w", err)
	}

	return &Relay{ledger: cfg.Ledger, cfg: cfg, metrics: cfg.Metrics, cache: cache}, nil
}

// Ledger returns the ledger the relay writes to.
func (r *Relay) Ledger() ledger.Ledger {
	return r.ledger
}

// Commit writes the agreed attestation a, whose digest is d, and returns the
// record the ledger assigned to it. It must only be called after the round
// for d committed.
func (r *Relay) Commit(ctx context.Context, a *attestation.Attestation, d attestation.Digest, seq uint64) (Outcome, error) {
	start := time.Now()

	if v, ok := r.cache.Get(d); ok {
		out := v.(Outcome)
		out.Duplicate = true
		out.Attempts = 0
		r.metrics.ObserveRelay("cached", time.Since(start))
		return out, nil
	}

	req, err := ledger.NewWriteRequest(a, d)
	if err != nil {
		r.metrics.ObserveRelay("failed", time.Since(start))
		return Outcome{}, &Error{Err: err}
	}

	log := logger.With("digest", d.Short(), "seq", seq)

	out, err := r.commit(ctx, log, req)
	if err != nil {
		r.metrics.ObserveRelay("failed", time.Since(start))
		log.Error("relay failed", "error", err, logger.Timed(start))
		return Outcome{}, err
	}

	r.cache.Add(d, out)

	result := "recorded"
	if out.Duplicate {
		result = "duplicate"
	}
	r.metrics.ObserveRelay(result, time.Since(start))
	log.Info("record confirmed", "record", out.RecordID, "block", out.BlockNumber, "duplicate", out.Duplicate, "attempts", out.Attempts, logger.Timed(start))

	return out, nil
}

// Forget drops d from the confirmation cache.
func (r *Relay) Forget(d attestation.Digest) {
	r.cache.Remove(d)
}

func (r *Relay) commit(ctx context.Context, log *slog.Logger, req ledger.WriteRequest) (Outcome, error) {
	var (
		lastErr   error
		lastRef   string
		landCheck bool // landCheck is set after a confirmation timeout
		attempts  int
	)

	for attempts < r.cfg.MaxAttempts {
		if attempts > 0 {
			if err := r.sleep(ctx, attempts); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		if landCheck {
			out, landed, err := r.landed(ctx, req.Digest, lastRef)
			if err == nil && landed {
				out.Attempts = attempts
				return out, nil
			}
		}

		attempts++

		out, ref, err := r.attempt(ctx, req)
		if ref != "" {
			lastRef = ref
		}

		switch {
		case err == nil:
			r.metrics.ObserveRelayAttempt("ok")
			out.Attempts = attempts
			return out, nil

		case errors.Is(err, ledger.ErrDuplicateDigest):
			r.metrics.ObserveRelayAttempt("duplicate")
			out, err := r.existing(ctx, req.Digest)
			if err != nil {
				return Outcome{}, &Error{Attempts: attempts, Err: err}
			}
			out.Attempts = attempts
			return out, nil

		case errors.Is(err, ledger.ErrConfirmationTimeout):
			r.metrics.ObserveRelayAttempt("timeout")
			landCheck = true

		case errors.Is(err, ledger.ErrUnavailable):
			r.metrics.ObserveRelayAttempt("unavailable")

		default:
			r.metrics.ObserveRelayAttempt("rejected")
			return Outcome{}, &Error{Attempts: attempts, Err: err}
		}

		lastErr = err
		log.Warn("ledger write failed", "attempt", attempts, "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	// the last write may have landed while its confirmation was pending
	if landCheck {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		out, landed, err := r.landed(lctx, req.Digest, lastRef)
		cancel()
		if err == nil && landed {
			out.Attempts = attempts
			return out, nil
		}
	}

	return Outcome{}, &Error{Attempts: attempts, Err: lastErr}
}

// attempt submits req once and waits for its receipt.
func (r *Relay) attempt(ctx context.Context, req ledger.WriteRequest) (Outcome, string, error) {
	ref, err := r.ledger.Submit(ctx, req)
	if err != nil {
		return Outcome{}, "", err
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmTimeout)
	receipt, err := r.ledger.AwaitReceipt(cctx, ref)
	cancel()

	if errors.Is(err, ledger.ErrNotFound) {
		err = fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, err)
	}
	if err != nil {
		return Outcome{}, ref, err
	}

	out := Outcome{Digest: req.Digest, Reference: ref, BlockNumber: receipt.BlockNumber}

	if id, ok := receipt.RecordIDFor(req.Digest); ok {
		out.RecordID = id
		return out, ref, nil
	}

	// receipt without a record event: the write is confirmed, look the id up
	lctx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer lcancel()

	exists, id, err := r.ledger.VerifyDigest(lctx, req.Digest)
	if err != nil {
		return Outcome{}, ref, fmt.Errorf("%w: resolve record id: %v", ledger.ErrConfirmationTimeout, err)
	}
	if !exists {
		return Outcome{}, ref, fmt.Errorf("%w: receipt %s carries no record for %s", ledger.ErrRejected, ref, req.Digest)
	}

	out.RecordID = id
	return out, ref, nil
}

// landed checks whether a write whose confirmation timed out made it in.
func (r *Relay) landed(ctx context.Context, d attestation.Digest, ref string) (Outcome, bool, error) {
	exists, id, err := r.ledger.VerifyDigest(ctx, d)
	if err != nil || !exists {
		return Outcome{}, false, err
	}

	out := Outcome{Digest: d, RecordID: id, Reference: ref}
	if rec, err := r.ledger.GetRecord(ctx, id); err == nil {
		out.BlockNumber = rec.BlockNumber
	}

	return out, true, nil
}

// existing resolves the record of a digest the ledger reported as duplicate.
func (r *Relay) existing(ctx context.Context, d attestation.Digest) (Outcome, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	out, found, err := r.landed(lctx, d, "")
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve duplicate digest:\n%w", err)
	}
	if !found {
		return Outcome{}, fmt.Errorf("%w: ledger reported a duplicate it cannot find", ledger.ErrDuplicateDigest)
	}

	out.Duplicate = true
	return out, nil
}

// sleep waits the backoff for the given number of failed attempts.
func (r *Relay) sleep(ctx context.Context, failures int) error {
	t := time.NewTimer(r.backoff(failures))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) backoff(failures int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < failures && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, r.cfg.MaxBackoff)
}
