package consensus

import (
	"context"
	"fmt"

	"AttestGate/internal/attestation"
)

// SimulatedVoteSource manufactures votes in-process from configured honest
// and faulty node counts. The cluster is NODE_0..NODE_{N-1} with the
// proposal's leader taking the place of NODE_0 when it is not one of them.
// The highest-numbered replicas other than the leader are the faulty ones and
// never vote. Honest replicas still recompute the digest of the payload and
// abstain on mismatch.
type SimulatedVoteSource struct {
	TotalNodes  int // TotalNodes is N
	FaultyNodes int // FaultyNodes is how many nodes stay silent
}

// NewSimulatedVoteSource creates a simulated source for n nodes, faulty of which are silent.
func NewSimulatedVoteSource(n, faulty int) (*SimulatedVoteSource, error) {
	if n < 1 || faulty < 0 || faulty > n {
		return nil, fmt.Errorf("invalid simulation: %d nodes, %d faulty", n, faulty)
	}

	return &SimulatedVoteSource{TotalNodes: n, FaultyNodes: faulty}, nil
}

// Name implements the status description hook.
func (s *SimulatedVoteSource) Name() string {
	return fmt.Sprintf("simulated(n=%d,faulty=%d)", s.TotalNodes, s.FaultyNodes)
}

// Prepare returns PREPARE votes from honest non-leader replicas.
func (s *SimulatedVoteSource) Prepare(_ context.Context, p Proposal) (<-chan Vote, error) {
	return s.votes(VotePrepare, p, false), nil
}

// Commit returns COMMIT votes from all honest nodes, leader included.
func (s *SimulatedVoteSource) Commit(_ context.Context, p Proposal, prepared Certificate) (<-chan Vote, error) {
	if prepared.Digest != p.Digest || prepared.Sequence != p.Sequence {
		return nil, fmt.Errorf("certificate does not match proposal %d", p.Sequence)
	}

	return s.votes(VoteCommit, p, true), nil
}

// votes builds the buffered, closed vote channel of the honest replicas, led
// by the leader's own vote when withLeader is set.
func (s *SimulatedVoteSource) votes(kind VoteKind, p Proposal, withLeader bool) <-chan Vote {
	ch := make(chan Vote, s.TotalNodes)
	defer close(ch)

	// tampered payloads make every honest replica abstain
	if attestation.Sum(p.Payload) != p.Digest || s.FaultyNodes >= s.TotalNodes {
		return ch
	}

	replicas := s.replicas(p.Leader)
	honest := replicas[:len(replicas)-min(s.FaultyNodes, len(replicas))]

	voters := honest
	if withLeader {
		voters = append([]string{p.Leader}, honest...)
	}

	for _, id := range voters {
		ch <- Vote{
			Kind:     kind,
			View:     p.View,
			Sequence: p.Sequence,
			Digest:   p.Digest,
			NodeID:   id,
		}
	}

	return ch
}

// replicas returns the ids of every simulated node except leader, in index
// order.
func (s *SimulatedVoteSource) replicas(leader string) []string {
	ids := make([]string, 0, s.TotalNodes)
	for i := 0; i < s.TotalNodes; i++ {
		if id := NodeName(i); id != leader {
			ids = append(ids, id)
		}
	}

	// a leader outside NODE_i takes NODE_0's seat
	if len(ids) == s.TotalNodes {
		ids = ids[1:]
	}

	return ids
}

// NodeName returns the conventional id of the i-th simulated node.
func NodeName(i int) string {
	return fmt.Sprintf("NODE_%d", i)
}
