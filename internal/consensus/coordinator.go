package consensus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"AttestGate/internal/attestation"
	"AttestGate/internal/logger"
	"AttestGate/internal/quorum"
)

const (
	// defaultPhaseTimeout bounds the wait for each vote quorum.
	defaultPhaseTimeout = 5 * time.Second

	// defaultLeaderID names the leader when none is configured.
	defaultLeaderID = "NODE_0"
)

// Config holds the configuration of a Coordinator.
type Config struct {
	Quorum       quorum.Config    // Quorum holds N, f and the derived thresholds
	Source       VoteSource       // Source delivers replica votes
	NodeID       string           // NodeID is this node's id when acting as leader
	View         uint64           // View is the initial protocol epoch
	PhaseTimeout time.Duration    // PhaseTimeout bounds PREPARING and COMMITTING separately
	Sequencer    *Sequencer       // Sequencer allocates sequence numbers; in-memory when nil
	OnTransition func(Transition) // OnTransition observes every phase change
}

// Coordinator runs consensus rounds for the proposals of one leader.
// Several coordinators may live in one process (one per shard); they share
// nothing. It is safe for concurrent use.
type Coordinator struct {
	quorum    quorum.Config
	source    VoteSource
	nodeID    string
	view      atomic.Uint64
	timeout   time.Duration
	sequencer *Sequencer
	observe   func(Transition)
}

// NewCoordinator validates cfg and creates a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("vote source is required")
	}

	if cfg.Quorum.TotalNodes() == 0 {
		return nil, fmt.Errorf("%w: quorum config is not initialized", quorum.ErrInvalidQuorumConfig)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = defaultLeaderID
	}

	timeout := cfg.PhaseTimeout
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}

	sequencer := cfg.Sequencer
	if sequencer == nil {
		var err error
		if sequencer, err = NewSequencer(nil, 0); err != nil {
			return nil, err
		}
	}

	c := &Coordinator{
		quorum:    cfg.Quorum,
		source:    cfg.Source,
		nodeID:    nodeID,
		timeout:   timeout,
		sequencer: sequencer,
		observe:   cfg.OnTransition,
	}
	c.view.Store(cfg.View)

	return c, nil
}

// Run executes one round for payload, whose digest the caller computed.
// It blocks until COMMITTED, ABORTED or ctx ends (which aborts the round).
func (c *Coordinator) Run(ctx context.Context, digest attestation.Digest, payload []byte) Result {
	seq, err := c.sequencer.Next()
	if err != nil {
		return Result{View: c.view.Load(), Phase: PhaseAborted, Reason: err}
	}

	r := &round{
		proposal: Proposal{
			Leader:   c.nodeID,
			View:     c.view.Load(),
			Sequence: seq,
			Digest:   digest,
			Payload:  payload,
		},
		phase:           PhasePrePrepare,
		prepareVotes:    make(map[string]Vote),
		commitVotes:     make(map[string]Vote),
		requiredPrepare: c.quorum.RequiredPrepare(),
		requiredCommit:  c.quorum.RequiredCommit(),
		timeout:         c.timeout,
		source:          c.source,
		observe:         c.observe,
	}

	logger.Debug("pre-prepare",
		"seq", seq,
		"view", r.proposal.View,
		"digest", digest.Short(),
	)

	result := r.run(ctx)

	if result.Committed() {
		logger.Debug("round committed",
			"seq", seq,
			"prepare", result.PrepareVotes,
			"commit", result.CommitVotes,
			"elapsed", result.Duration,
		)
	} else {
		logger.Warn("round aborted",
			"seq", seq,
			"digest", digest.Short(),
			"reason", result.Reason,
		)
	}

	return result
}

// Quorum returns the quorum configuration.
func (c *Coordinator) Quorum() quorum.Config {
	return c.quorum
}

// NodeID returns the leader id used in proposals.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// View returns the current view.
func (c *Coordinator) View() uint64 {
	return c.view.Load()
}

// LastSequence returns the most recently allocated sequence number.
func (c *Coordinator) LastSequence() uint64 {
	return c.sequencer.Last()
}

// SourceName describes the vote source for status reporting.
func (c *Coordinator) SourceName() string {
	if n, ok := c.source.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", c.source)
}
