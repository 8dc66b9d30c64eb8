// Package submission is the entry point of the pipeline: it fingerprints an
// attestation, drives one consensus round and relays the agreed payload to
// the ledger.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AttestGate/internal/attestation"
	"AttestGate/internal/consensus"
	"AttestGate/internal/journal"
	"AttestGate/internal/logger"
	"AttestGate/internal/metrics"
	"AttestGate/internal/relay"
)

// Outcome is the result of one submission.
type Outcome struct {
	RequestID          string  `json:"request_id"`
	Success            bool    `json:"success"`
	LedgerReference    string  `json:"ledger_reference,omitempty"`
	RecordID           *uint64 `json:"record_id,omitempty"`
	BlockNumber        uint64  `json:"block_number,omitempty"`
	Digest             string  `json:"digest,omitempty"`
	ConsensusCommitted bool    `json:"consensus_committed"`
	Sequence           uint64  `json:"sequence,omitempty"`
	SubmittedAt        int64   `json:"submitted_at"`
	Duplicate          bool    `json:"duplicate"`
	Message            string  `json:"message"`
	Err                error   `json:"-"` // Err is the typed failure, nil on success
}

// Config wires an Orchestrator.
type Config struct {
	Coordinator *consensus.Coordinator
	Relay       *relay.Relay
	Journal     *journal.Journal // Journal is optional
	Metrics     *metrics.Metrics // Metrics is optional
	Now         func() time.Time // Now defaults to time.Now
	Peers       func() int       // Peers counts connected cluster peers; nil in simulated mode
}

// Orchestrator runs submissions. It is safe for concurrent use.
type Orchestrator struct {
	coordinator *consensus.Coordinator
	relay       *relay.Relay
	journal     *journal.Journal
	metrics     *metrics.Metrics
	now         func() time.Time
	peers       func() int
	locks       *digestLocks
}

type requestIDKey struct{}

// WithRequestID attaches a caller-chosen request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("relay is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		coordinator: cfg.Coordinator,
		relay:       cfg.Relay,
		journal:     cfg.Journal,
		metrics:     cfg.Metrics,
		now:         now,
		peers:       cfg.Peers,
		locks:       newDigestLocks(),
	}, nil
}

// Submit stamps a with the current time and submits it.
func (o *Orchestrator) Submit(ctx context.Context, a *attestation.Attestation) Outcome {
	return o.SubmitAt(ctx, a, o.now().Unix())
}

// SubmitAt submits a with a pinned submission timestamp. Retrying with the
// same attestation and timestamp yields the same digest, so a retry never
// writes the ledger twice.
func (o *Orchestrator) SubmitAt(ctx context.Context, a *attestation.Attestation, submittedAt int64) Outcome {
	start := time.Now()
	done := o.metrics.SubmissionStarted()

	out := Outcome{RequestID: requestID(ctx), SubmittedAt: submittedAt}
	log := logger.With("request", out.RequestID, "tx", a.TransactionID)

	out = o.submit(ctx, log, a, out)

	done(resultLabel(out))

	if out.Success {
		log.Info("submission recorded",
			"digest", out.Digest,
			"record", *out.RecordID,
			"duplicate", out.Duplicate,
			logger.Timed(start),
		)
	} else {
		log.Warn("submission failed", "digest", out.Digest, "error", out.Err, logger.Timed(start))
	}

	return out
}

func (o *Orchestrator) submit(ctx context.Context, log *slog.Logger, a *attestation.Attestation, out Outcome) Outcome {
	canonical, err := attestation.Canonical(a, out.SubmittedAt)
	if err != nil {
		return fail(out, err, "invalid attestation")
	}

	d := attestation.Sum(canonical)
	out.Digest = d.String()

	unlock, err := o.locks.lock(ctx, d)
	if err != nil {
		return fail(out, fmt.Errorf("%w: waiting for digest lock: %v", consensus.ErrRoundCancelled, err), "consensus failed")
	}
	defer unlock()

	entry := o.lookup(log, d)

	if entry != nil && entry.State == journal.StateRecorded {
		log.Debug("digest already recorded", "record", entry.RecordID)
		return recorded(out, entry.Sequence, relay.Outcome{
			Digest:      d,
			RecordID:    entry.RecordID,
			BlockNumber: entry.BlockNumber,
			Reference:   entry.Reference,
			Duplicate:   true,
		})
	}

	var seq uint64

	if entry != nil {
		// agreed earlier but never confirmed: only the relay is retried
		seq = entry.Sequence
		log.Info("resuming agreed digest", "seq", seq)
	} else {
		res := o.coordinator.Run(ctx, d, canonical)
		o.observeRound(res)

		out.Sequence = res.Sequence
		if !res.Committed() {
			return fail(out, res.Reason, "consensus failed")
		}

		seq = res.Sequence
		o.agreed(log, journal.Entry{
			Digest:      d,
			Sequence:    res.Sequence,
			View:        res.View,
			SubmittedAt: out.SubmittedAt,
			Payload:     canonical,
			Signers:     res.Certificate.Signers(),
		})
	}

	out.Sequence = seq
	out.ConsensusCommitted = true

	ro, err := o.relay.Commit(ctx, a, d, seq)
	if err != nil {
		return fail(out, err, "ledger relay failed")
	}

	o.recorded(log, ro)

	return recorded(out, seq, ro)
}

// lookup reads the journal entry of d. Journal errors degrade to a full round.
func (o *Orchestrator) lookup(log *slog.Logger, d attestation.Digest) *journal.Entry {
	if o.journal == nil {
		return nil
	}

	e, err := o.journal.Get(d)
	if err != nil {
		log.Warn("journal read failed", "error", err)
		return nil
	}

	return e
}

func (o *Orchestrator) agreed(log *slog.Logger, e journal.Entry) {
	if o.journal == nil {
		return
	}

	if err := o.journal.MarkAgreed(e); err != nil {
		log.Warn("journal write failed", "error", err)
	}
}

func (o *Orchestrator) recorded(log *slog.Logger, ro relay.Outcome) {
	if o.journal == nil {
		return
	}

	_, err := o.journal.MarkRecorded(ro.Digest, ro.RecordID, ro.BlockNumber, ro.Reference)
	if err != nil && !errors.Is(err, journal.ErrNotAgreed) {
		log.Warn("journal write failed", "error", err)
	}
}

func (o *Orchestrator) observeRound(res consensus.Result) {
	o.metrics.ObserveRound(res.Phase.String(), reasonLabel(res.Reason), res.Duration)
	o.metrics.ObserveVotes("prepare", res.PrepareVotes)
	o.metrics.ObserveVotes("commit", res.CommitVotes)
	o.metrics.SetSequence(res.Sequence)
}

func fail(out Outcome, err error, message string) Outcome {
	out.Success = false
	out.Err = err
	out.Message = fmt.Sprintf("%s: %v", message, err)
	return out
}

func recorded(out Outcome, seq uint64, ro relay.Outcome) Outcome {
	id := ro.RecordID

	out.Success = true
	out.ConsensusCommitted = true
	out.Sequence = seq
	out.RecordID = &id
	out.BlockNumber = ro.BlockNumber
	out.LedgerReference = ro.Reference
	out.Duplicate = ro.Duplicate

	if ro.Duplicate {
		out.Message = "attestation already recorded on the ledger"
	} else {
		out.Message = "attestation agreed and recorded on the ledger"
	}

	return out
}

// reasonLabel keeps the abort reason label set bounded.
func reasonLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, consensus.ErrPrepareQuorumNotReached):
		return "prepare_quorum"
	case errors.Is(err, consensus.ErrCommitQuorumNotReached):
		return "commit_quorum"
	case errors.Is(err, consensus.ErrRoundCancelled):
		return "cancelled"
	default:
		return "other"
	}
}

func resultLabel(out Outcome) string {
	switch {
	case out.Success && out.Duplicate:
		return "duplicate"
	case out.Success:
		return "recorded"
	case errors.Is(out.Err, attestation.ErrInvalidPayload):
		return "invalid"
	case consensus.IsConsensusFailure(out.Err):
		return "consensus_failed"
	case errors.Is(out.Err, relay.ErrLedgerRelayFailed):
		return "relay_failed"
	default:
		return "error"
	}
}
