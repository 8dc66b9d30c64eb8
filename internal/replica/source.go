package replica

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"AttestGate/internal/consensus"
	"AttestGate/internal/logger"
	"AttestGate/internal/signing"
	"AttestGate/internal/types"
)

// Transport delivers one request to a roster member and returns its answer.
type Transport interface {
	Request(ctx context.Context, to Member, data []byte) ([]byte, error)
}

// SourceConfig holds the configuration of a Source.
type SourceConfig struct {
	NodeID    string           // NodeID is the leader's roster id
	Roster    *Roster          // Roster is the cluster membership
	Key       *signing.KeyPair // Key signs the leader's own COMMIT vote
	Transport Transport        // Transport reaches the replicas
	Fanout    int              // Fanout bounds concurrent requests; all replicas at once when 0
}

// Source is the networked consensus.VoteSource. It asks every other roster
// member for its vote and emits only votes whose signature verifies against
// the member's roster key.
type Source struct {
	self      Member
	roster    *Roster
	key       *signing.KeyPair
	transport Transport
	fanout    int
}

// NewSource creates a networked vote source for the leader cfg.NodeID.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Roster == nil || cfg.Key == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("roster, key and transport are required")
	}

	self, ok := cfg.Roster.ByID(cfg.NodeID)
	if !ok {
		return nil, fmt.Errorf("node %q is not in the roster", cfg.NodeID)
	}

	fanout := cfg.Fanout
	if fanout <= 0 {
		fanout = cfg.Roster.Len()
	}

	return &Source{
		self:      self,
		roster:    cfg.Roster,
		key:       cfg.Key,
		transport: cfg.Transport,
		fanout:    fanout,
	}, nil
}

// Name implements the status description hook.
func (s *Source) Name() string {
	return fmt.Sprintf("network(n=%d,self=%s)", s.roster.Len(), s.self.ID)
}

// Prepare sends the PRE-PREPARE to every replica and streams their PREPARE votes.
func (s *Source) Prepare(ctx context.Context, p consensus.Proposal) (<-chan consensus.Vote, error) {
	req, err := Encode(&Message{
		Kind:     types.MessageKindPrePrepare,
		View:     p.View,
		Sequence: p.Sequence,
		Digest:   p.Digest,
		Leader:   s.self.ID,
		Payload:  p.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pre-prepare:\n%w", err)
	}

	return s.broadcast(ctx, consensus.VotePrepare, p, req, nil), nil
}

// Commit aggregates the prepare certificate, sends it to every replica and
// streams their COMMIT votes after the leader's own.
func (s *Source) Commit(ctx context.Context, p consensus.Proposal, prepared consensus.Certificate) (<-chan consensus.Vote, error) {
	sigs := make([][]byte, 0, len(prepared.Votes))
	indices := make([]int, 0, len(prepared.Votes))

	for _, v := range prepared.Votes {
		m, ok := s.roster.ByID(v.NodeID)
		if !ok || len(v.Signature) == 0 {
			return nil, fmt.Errorf("prepare vote from %q cannot be certified", v.NodeID)
		}

		sigs = append(sigs, v.Signature)
		indices = append(indices, m.Index)
	}

	aggregate, err := signing.Aggregate(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate prepare votes:\n%w", err)
	}

	req, err := Encode(&Message{
		Kind:      types.MessageKindCommit,
		View:      p.View,
		Sequence:  p.Sequence,
		Digest:    p.Digest,
		Leader:    s.self.ID,
		Signature: aggregate,
		Signers:   signing.SignerBitmap(indices, s.roster.Len()),
	})
	if err != nil {
		return nil, fmt.Errorf("encode commit:\n%w", err)
	}

	own := consensus.Vote{
		Kind:      consensus.VoteCommit,
		View:      p.View,
		Sequence:  p.Sequence,
		Digest:    p.Digest,
		NodeID:    s.self.ID,
		Signature: s.key.Sign(consensus.SigningBytes(consensus.VoteCommit, p.View, p.Sequence, p.Digest)),
	}

	return s.broadcast(ctx, consensus.VoteCommit, p, req, &own), nil
}

// broadcast fans req out to every other member. The returned channel is
// buffered for the whole roster and closed once every request finished.
func (s *Source) broadcast(ctx context.Context, kind consensus.VoteKind, p consensus.Proposal, req []byte, own *consensus.Vote) <-chan consensus.Vote {
	out := make(chan consensus.Vote, s.roster.Len())

	if own != nil {
		out <- *own
	}

	var g errgroup.Group
	g.SetLimit(s.fanout)

	go func() {
		defer close(out)

		for _, m := range s.roster.Members() {
			if m.ID == s.self.ID {
				continue
			}

			if ctx.Err() != nil {
				break
			}

			g.Go(func() error {
				if v, ok := s.ask(ctx, m, kind, p, req); ok {
					out <- v
				}
				return nil
			})
		}

		g.Wait()
	}()

	return out
}

// ask sends req to m and validates its answer.
func (s *Source) ask(ctx context.Context, m Member, kind consensus.VoteKind, p consensus.Proposal, req []byte) (consensus.Vote, bool) {
	start := time.Now()

	data, err := s.transport.Request(ctx, m, req)
	if err != nil {
		if ctx.Err() == nil {
			logger.Debug("vote request failed", "node", m.ID, "kind", kind, "seq", p.Sequence, "error", err)
		}
		return consensus.Vote{}, false
	}

	resp, err := Decode(data)
	if err != nil {
		logger.Warn("undecodable vote", "node", m.ID, "kind", kind, "error", err)
		return consensus.Vote{}, false
	}

	if resp.Kind == types.MessageKindAbstain {
		logger.Debug("replica abstained", "node", m.ID, "kind", kind, "seq", p.Sequence, "reason", resp.Reason)
		return consensus.Vote{}, false
	}

	if err := s.verify(m, kind, p, resp); err != nil {
		logger.Warn("vote rejected", "node", m.ID, "kind", kind, "seq", p.Sequence, "error", err)
		return consensus.Vote{}, false
	}

	logger.Debug("vote received", "node", m.ID, "kind", kind, "seq", p.Sequence, logger.Timed(start))

	return consensus.Vote{
		Kind:      kind,
		View:      resp.View,
		Sequence:  resp.Sequence,
		Digest:    resp.Digest,
		NodeID:    m.ID,
		Signature: resp.Signature,
	}, true
}

// verify checks that resp is m's vote of the expected kind for p.
func (s *Source) verify(m Member, kind consensus.VoteKind, p consensus.Proposal, resp *Message) error {
	want := types.MessageKindPrepare
	if kind == consensus.VoteCommit {
		want = types.MessageKindCommit
	}

	if resp.Kind != want {
		return fmt.Errorf("got %s, want %s", resp.Kind, want)
	}

	if resp.Node != m.ID {
		return fmt.Errorf("answer signed as %q", resp.Node)
	}

	if resp.View != p.View || resp.Sequence != p.Sequence || resp.Digest != p.Digest {
		return fmt.Errorf("vote is for another proposal")
	}

	msg := consensus.SigningBytes(kind, p.View, p.Sequence, p.Digest)
	if !signing.Verify(resp.Signature, msg, m.VoteKey) {
		return fmt.Errorf("bad signature")
	}

	return nil
}
