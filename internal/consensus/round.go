package consensus

import (
	"context"
	"fmt"
	"time"
)

// Result is the terminal state of one round.
type Result struct {
	View         uint64
	Sequence     uint64
	Phase        Phase         // Phase is PhaseCommitted or PhaseAborted
	Reason       error         // Reason is set when the round aborted
	PrepareVotes int           // PrepareVotes is the number of distinct PREPARE votes counted
	CommitVotes  int           // CommitVotes is the number of distinct COMMIT votes counted
	Certificate  Certificate   // Certificate is the commit certificate of a committed round
	Duration     time.Duration // Duration is the time spent in the round
}

// Committed reports whether the round reached COMMITTED.
func (r Result) Committed() bool {
	return r.Phase == PhaseCommitted
}

// round is the per-submission state machine. It is used by one goroutine.
type round struct {
	proposal        Proposal
	phase           Phase
	lastReason      error
	prepareVotes    map[string]Vote
	commitVotes     map[string]Vote
	requiredPrepare int
	requiredCommit  int
	timeout         time.Duration
	source          VoteSource
	observe         func(Transition)
}

// run drives the round to a terminal phase.
func (r *round) run(ctx context.Context) Result {
	start := time.Now()

	result := Result{View: r.proposal.View, Sequence: r.proposal.Sequence}

	if err := r.prepare(ctx); err != nil {
		r.abort(err)
	} else if err := r.commit(ctx); err != nil {
		r.abort(err)
	} else {
		r.transition(PhaseCommitted, nil)
		result.Certificate = newCertificate(VoteCommit, r.proposal, r.commitVotes)
	}

	result.Phase = r.phase
	result.PrepareVotes = len(r.prepareVotes)
	result.CommitVotes = len(r.commitVotes)
	result.Duration = time.Since(start)

	if r.phase == PhaseAborted {
		result.Reason = r.reasonOf(ctx)
	}

	return result
}

// prepare runs PRE_PREPARE → PREPARING → PREPARED.
func (r *round) prepare(ctx context.Context) error {
	r.transition(PhasePreparing, nil)

	phaseCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	votes, err := r.source.Prepare(phaseCtx, r.proposal)
	if err != nil {
		return fmt.Errorf("%w: broadcast pre-prepare: %v", ErrPrepareQuorumNotReached, err)
	}

	if !r.collect(phaseCtx, votes, VotePrepare, r.prepareVotes, r.requiredPrepare) {
		if ctx.Err() != nil {
			return ErrRoundCancelled
		}
		return fmt.Errorf("%w: %d/%d votes", ErrPrepareQuorumNotReached, len(r.prepareVotes), r.requiredPrepare)
	}

	r.transition(PhasePrepared, nil)

	return nil
}

// commit runs PREPARED → COMMITTING and stops short of COMMITTED.
func (r *round) commit(ctx context.Context) error {
	r.transition(PhaseCommitting, nil)

	phaseCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cert := newCertificate(VotePrepare, r.proposal, r.prepareVotes)

	votes, err := r.source.Commit(phaseCtx, r.proposal, cert)
	if err != nil {
		return fmt.Errorf("%w: broadcast commit: %v", ErrCommitQuorumNotReached, err)
	}

	if !r.collect(phaseCtx, votes, VoteCommit, r.commitVotes, r.requiredCommit) {
		if ctx.Err() != nil {
			return ErrRoundCancelled
		}
		return fmt.Errorf("%w: %d/%d votes", ErrCommitQuorumNotReached, len(r.commitVotes), r.requiredCommit)
	}

	return nil
}

// collect reads votes into set until it holds required distinct node ids.
// It returns false when ctx ends or the source is exhausted first.
func (r *round) collect(ctx context.Context, votes <-chan Vote, kind VoteKind, set map[string]Vote, required int) bool {
	if len(set) >= required {
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case v, ok := <-votes:
			if !ok {
				return false
			}

			if !r.accept(v, kind) {
				continue
			}

			if _, seen := set[v.NodeID]; seen {
				continue
			}

			set[v.NodeID] = v

			if len(set) >= required {
				return true
			}
		}
	}
}

// accept filters votes for another phase, round or digest. The leader's own
// PREPARE does not count toward the 2f threshold.
func (r *round) accept(v Vote, kind VoteKind) bool {
	if v.NodeID == "" || !v.Matches(kind, r.proposal) {
		return false
	}

	if kind == VotePrepare && v.NodeID == r.proposal.Leader {
		return false
	}

	return true
}

func (r *round) abort(reason error) {
	r.transition(PhaseAborted, reason)
}

// reasonOf returns the abort reason, preferring cancellation by the caller.
func (r *round) reasonOf(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrRoundCancelled, ctx.Err())
	}
	return r.lastReason
}

func (r *round) transition(to Phase, reason error) {
	if r.phase.Terminal() {
		return
	}

	from := r.phase
	r.phase = to

	if reason != nil {
		r.lastReason = reason
	}

	if r.observe != nil {
		r.observe(Transition{Sequence: r.proposal.Sequence, From: from, To: to, Reason: reason})
	}
}
