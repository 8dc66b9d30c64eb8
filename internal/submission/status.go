package submission

import (
	"context"
	"fmt"
	"time"

	"AttestGate/internal/attestation"
	"AttestGate/internal/journal"
	"AttestGate/internal/ledger"
	"AttestGate/internal/logger"
)

// pingTimeout bounds the ledger ping made by Status.
const pingTimeout = 3 * time.Second

// Status is the read-only health report of a node.
type Status struct {
	NodeID          string `json:"node_id"`
	TotalNodes      int    `json:"total_nodes"`
	FaultTolerance  int    `json:"fault_tolerance"`
	RequiredPrepare int    `json:"required_prepare"`
	RequiredCommit  int    `json:"required_commit"`
	VoteSource      string `json:"vote_source"`
	View            uint64 `json:"view"`
	LastSequence    uint64 `json:"last_sequence"`
	LedgerConnected bool   `json:"ledger_connected"`
	LedgerHeight    uint64 `json:"ledger_height"`
	LedgerError     string `json:"ledger_error,omitempty"`
	PendingRelays   int    `json:"pending_relays"`
	ConnectedPeers  *int   `json:"connected_peers,omitempty"`
}

// Status reports the quorum configuration and pings the ledger. It has no
// side effects.
func (o *Orchestrator) Status(ctx context.Context) Status {
	q := o.coordinator.Quorum()

	s := Status{
		NodeID:          o.coordinator.NodeID(),
		TotalNodes:      q.TotalNodes(),
		FaultTolerance:  q.FaultTolerance(),
		RequiredPrepare: q.RequiredPrepare(),
		RequiredCommit:  q.RequiredCommit(),
		VoteSource:      o.coordinator.SourceName(),
		View:            o.coordinator.View(),
		LastSequence:    o.coordinator.LastSequence(),
	}

	if o.peers != nil {
		n := o.peers()
		s.ConnectedPeers = &n
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	height, err := o.relay.Ledger().Ping(pctx)
	if err != nil {
		s.LedgerError = err.Error()
	} else {
		s.LedgerConnected = true
		s.LedgerHeight = height
	}

	if o.journal != nil {
		if pending, err := o.journal.Pending(); err == nil {
			s.PendingRelays = len(pending)
		}
	}

	return s
}

// Ledger returns the ledger submissions are relayed to.
func (o *Orchestrator) Ledger() ledger.Ledger {
	return o.relay.Ledger()
}

// RetryPending relays every journal entry that was agreed but never
// confirmed, typically at startup. It returns how many were recorded.
func (o *Orchestrator) RetryPending(ctx context.Context) (int, error) {
	if o.journal == nil {
		return 0, nil
	}

	entries, err := o.journal.Pending()
	if err != nil {
		return 0, err
	}

	recorded := 0

	for _, e := range entries {
		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}

		if o.retry(ctx, e) {
			recorded++
		}
	}

	if len(entries) > 0 {
		logger.Info("pending relays retried", "pending", len(entries), "recorded", recorded)
	}

	return recorded, nil
}

func (o *Orchestrator) retry(ctx context.Context, e *journal.Entry) bool {
	log := logger.With("digest", e.Digest.Short(), "seq", e.Sequence)

	a, _, err := attestationFromEntry(e)
	if err != nil {
		log.Error("journal entry unreadable", "error", err)
		return false
	}

	unlock, err := o.locks.lock(ctx, e.Digest)
	if err != nil {
		return false
	}
	defer unlock()

	ro, err := o.relay.Commit(ctx, a, e.Digest, e.Sequence)
	if err != nil {
		log.Warn("pending relay failed", "error", err)
		return false
	}

	o.recorded(log, ro)

	return true
}

// attestationFromEntry rebuilds the agreed attestation from its canonical
// payload and checks it still hashes to the journaled digest.
func attestationFromEntry(e *journal.Entry) (*attestation.Attestation, int64, error) {
	a, submittedAt, err := attestation.ParseCanonical(e.Payload)
	if err != nil {
		return nil, 0, err
	}

	if attestation.Sum(e.Payload) != e.Digest {
		return nil, 0, fmt.Errorf("%w: journaled payload does not match digest %s", attestation.ErrInvalidPayload, e.Digest)
	}

	return a, submittedAt, nil
}
