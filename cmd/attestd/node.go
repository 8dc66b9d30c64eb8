package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AttestGate/internal/api"
	"AttestGate/internal/consensus"
	"AttestGate/internal/journal"
	"AttestGate/internal/ledger"
	"AttestGate/internal/ledger/httpledger"
	"AttestGate/internal/ledger/localledger"
	"AttestGate/internal/ledger/memledger"
	"AttestGate/internal/logger"
	"AttestGate/internal/metrics"
	"AttestGate/internal/network"
	"AttestGate/internal/relay"
	"AttestGate/internal/replica"
	"AttestGate/internal/signing"
	"AttestGate/internal/submission"
)

// recoveryTimeout bounds the startup retry of pending relays.
const recoveryTimeout = 2 * time.Minute

// Node represents a running attestd node.
type Node struct {
	cfg          *Config
	journal      *journal.Journal
	ledger       ledger.Ledger
	closeLedger  func() error
	voteKey      *signing.KeyPair
	network      *network.Node
	metrics      *metrics.Metrics
	orchestrator *submission.Orchestrator
	api          *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, metrics: metrics.New()}

	if err := n.initJournal(); err != nil {
		return nil, err
	}

	if err := n.initLedger(); err != nil {
		n.Close()
		return nil, err
	}

	source, err := n.initVoteSource()
	if err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initOrchestrator(source); err != nil {
		n.Close()
		return nil, err
	}

	n.api = api.New(api.Config{
		Addr:           cfg.HTTPAddress,
		Submitter:      n.orchestrator,
		Metrics:        n.metrics.Handler(),
		RateLimit:      cfg.RateLimit,
		Burst:          cfg.Burst,
		AllowedOrigins: cfg.CORSOrigins,
		SubmitTimeout:  cfg.SubmitTimeout,
	})

	return n, nil
}

// initJournal opens the pebble journal under the data directory.
func (n *Node) initJournal() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	j, err := journal.Open(filepath.Join(n.cfg.DataPath, "journal"))
	if err != nil {
		return fmt.Errorf("init journal:\n%w", err)
	}

	n.journal = j

	return nil
}

// initLedger opens the configured ledger backend.
func (n *Node) initLedger() error {
	switch n.cfg.Ledger {
	case ledgerMemory:
		n.ledger = memledger.New()

	case ledgerLocal:
		l, err := localledger.Open(filepath.Join(n.cfg.DataPath, "ledger"))
		if err != nil {
			return fmt.Errorf("init local ledger:\n%w", err)
		}
		n.ledger = l
		n.closeLedger = l.Close

	case ledgerGateway:
		c, err := httpledger.New(httpledger.Config{BaseURL: n.cfg.LedgerURL})
		if err != nil {
			return fmt.Errorf("init ledger gateway:\n%w", err)
		}
		n.ledger = c
	}

	return nil
}

// initVoteSource builds the simulated source or the networked one, in
// which case this node also answers other leaders as a replica.
func (n *Node) initVoteSource() (consensus.VoteSource, error) {
	if n.cfg.Mode == modeSimulated {
		return consensus.NewSimulatedVoteSource(n.cfg.TotalNodes, n.cfg.SilentNodes)
	}

	voteKey, err := signing.DeriveFromED25519(n.cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive vote key:\n%w", err)
	}
	n.voteKey = voteKey

	if err := n.checkRosterKeys(); err != nil {
		return nil, err
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("init network:\n%w", err)
	}
	n.network = node

	rep, err := replica.NewReplica(replica.ReplicaConfig{
		NodeID: n.cfg.NodeID,
		Roster: n.cfg.Roster,
		Quorum: n.cfg.Quorum,
		Key:    voteKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init replica:\n%w", err)
	}

	node.OnRequest(rep.HandleRequest)
	n.watchPeers(node)

	return replica.NewSource(replica.SourceConfig{
		NodeID:    n.cfg.NodeID,
		Roster:    n.cfg.Roster,
		Key:       voteKey,
		Transport: replica.NewNetworkTransport(node),
	})
}

// watchPeers logs peer changes under their roster ids and keeps the peer
// gauge current.
func (n *Node) watchPeers(node *network.Node) {
	name := func(p *network.Peer) string {
		if m, ok := n.cfg.Roster.ByNodeKey(p.PublicKey()); ok {
			return m.ID
		}
		return hex.EncodeToString(p.PublicKey()[:8])
	}

	node.OnConnect(func(p *network.Peer) {
		n.metrics.SetPeers(len(node.Peers()))
		logger.Debug("peer connected", "node", name(p), "addr", p.Address())
	})

	node.OnDisconnect(func(p *network.Peer) {
		n.metrics.SetPeers(len(node.Peers()))
		n.metrics.ObserveDisconnect()
		logger.Warn("peer disconnected", "node", name(p))
	})
}

// checkRosterKeys ensures the roster entry of this node matches its keys.
func (n *Node) checkRosterKeys() error {
	self, _ := n.cfg.Roster.ByID(n.cfg.NodeID)
	pub := n.cfg.PrivateKey.Public().(ed25519.PublicKey)

	if !bytes.Equal(self.NodeKey, pub) {
		return fmt.Errorf("roster node key of %s does not match %s", n.cfg.NodeID, hex.EncodeToString(pub))
	}

	if !bytes.Equal(self.VoteKey, n.voteKey.PublicKey()) {
		return fmt.Errorf("roster vote key of %s does not match the derived key", n.cfg.NodeID)
	}

	return nil
}

// initOrchestrator wires the coordinator, relay and journal.
func (n *Node) initOrchestrator(source consensus.VoteSource) error {
	sequencer, err := consensus.NewSequencer(n.journal, 0)
	if err != nil {
		return err
	}

	coord, err := consensus.NewCoordinator(consensus.Config{
		Quorum:       n.cfg.Quorum,
		Source:       source,
		NodeID:       n.cfg.NodeID,
		PhaseTimeout: n.cfg.PhaseTimeout,
		Sequencer:    sequencer,
		OnTransition: func(t consensus.Transition) {
			logger.Debug("phase", "seq", t.Sequence, "from", t.From, "to", t.To)
		},
	})
	if err != nil {
		return fmt.Errorf("init coordinator:\n%w", err)
	}

	r, err := relay.New(relay.Config{
		Ledger:         n.ledger,
		MaxAttempts:    n.cfg.RelayAttempts,
		BaseBackoff:    n.cfg.RelayBackoff,
		ConfirmTimeout: n.cfg.ConfirmTimeout,
		Metrics:        n.metrics,
	})
	if err != nil {
		return fmt.Errorf("init relay:\n%w", err)
	}

	n.orchestrator, err = submission.New(submission.Config{
		Coordinator: coord,
		Relay:       r,
		Journal:     n.journal,
		Metrics:     n.metrics,
		Peers:       n.peerCount(),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator:\n%w", err)
	}

	return nil
}

// peerCount returns the connected-peer counter for status, nil without a
// network.
func (n *Node) peerCount() func() int {
	if n.network == nil {
		return nil
	}

	node := n.network
	return func() int { return len(node.Peers()) }
}

// Run starts the node and blocks until a shutdown signal.
func (n *Node) Run() error {
	if n.network != nil {
		if err := n.network.Start(); err != nil {
			return fmt.Errorf("start network:\n%w", err)
		}
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	go n.recoverPending()

	return n.waitForShutdown()
}

// recoverPending retries relays that were agreed before a restart.
func (n *Node) recoverPending() {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()

	if _, err := n.orchestrator.RetryPending(ctx); err != nil {
		logger.Warn("pending relay recovery stopped", "error", err)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.closeLedger != nil {
		n.closeLedger()
	}

	if n.journal != nil {
		n.journal.Close()
	}

	return nil
}
