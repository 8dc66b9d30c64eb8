package consensus

import (
	"context"
	"sync/atomic"
	"time"
)

// ScriptedVoteSource replays a fixed vote script, for tests.
//
// Script votes with a zero Kind, View, Sequence or Digest inherit them from
// the proposal, so Voters("a", "b") yields matching votes while explicit
// fields produce stale or conflicting ones.
type ScriptedVoteSource struct {
	Prepares []Vote        // Prepares are delivered after PRE-PREPARE
	Commits  []Vote        // Commits are delivered after PREPARED
	Interval time.Duration // Interval is the delay before each vote
	KeepOpen bool          // KeepOpen holds the channel open until ctx ends

	prepareCalls atomic.Int32
	commitCalls  atomic.Int32
}

// Voters returns one template vote per node id.
func Voters(ids ...string) []Vote {
	votes := make([]Vote, len(ids))
	for i, id := range ids {
		votes[i] = Vote{NodeID: id}
	}
	return votes
}

// Name implements the status description hook.
func (s *ScriptedVoteSource) Name() string {
	return "scripted"
}

// Prepare streams the PREPARE script.
func (s *ScriptedVoteSource) Prepare(ctx context.Context, p Proposal) (<-chan Vote, error) {
	s.prepareCalls.Add(1)
	return s.play(ctx, VotePrepare, p, s.Prepares), nil
}

// Commit streams the COMMIT script.
func (s *ScriptedVoteSource) Commit(ctx context.Context, p Proposal, _ Certificate) (<-chan Vote, error) {
	s.commitCalls.Add(1)
	return s.play(ctx, VoteCommit, p, s.Commits), nil
}

// PrepareCalls returns how many PRE-PREPAREs were broadcast.
func (s *ScriptedVoteSource) PrepareCalls() int {
	return int(s.prepareCalls.Load())
}

// CommitCalls returns how many commit phases were started.
func (s *ScriptedVoteSource) CommitCalls() int {
	return int(s.commitCalls.Load())
}

func (s *ScriptedVoteSource) play(ctx context.Context, kind VoteKind, p Proposal, script []Vote) <-chan Vote {
	ch := make(chan Vote)

	go func() {
		defer close(ch)

		for _, tmpl := range script {
			if s.Interval > 0 {
				select {
				case <-time.After(s.Interval):
				case <-ctx.Done():
					return
				}
			}

			select {
			case ch <- fill(tmpl, kind, p):
			case <-ctx.Done():
				return
			}
		}

		if s.KeepOpen {
			<-ctx.Done()
		}
	}()

	return ch
}

// fill completes a template vote from the proposal.
func fill(v Vote, kind VoteKind, p Proposal) Vote {
	if v.Kind == 0 {
		v.Kind = kind
	}
	if v.View == 0 {
		v.View = p.View
	}
	if v.Sequence == 0 {
		v.Sequence = p.Sequence
	}
	if v.Digest.IsZero() {
		v.Digest = p.Digest
	}
	return v
}
