package replica

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"AttestGate/internal/attestation"
	"AttestGate/internal/consensus"
	"AttestGate/internal/logger"
	"AttestGate/internal/network"
	"AttestGate/internal/quorum"
	"AttestGate/internal/signing"
	"AttestGate/internal/types"
)

// defaultProposalLog is how many (leader, view, sequence) slots a replica remembers.
const defaultProposalLog = 8192

// Abstention reasons sent back to the leader.
const (
	reasonDigestMismatch   = "digest mismatch"
	reasonConflict         = "conflicting proposal for slot"
	reasonBadPayload       = "invalid payload"
	reasonBadCertificate   = "invalid prepare certificate"
	reasonUnknownLeader    = "leader not in roster"
	reasonUnexpectedSender = "sender is not the leader"
)

// ReplicaConfig holds the configuration of a Replica.
type ReplicaConfig struct {
	NodeID      string           // NodeID is this node's roster id
	Roster      *Roster          // Roster is the cluster membership
	Quorum      quorum.Config    // Quorum gives the certificate size to demand
	Key         *signing.KeyPair // Key signs this node's votes
	ProposalLog int              // ProposalLog bounds the remembered slots
}

// Replica answers PRE-PREPARE and COMMIT requests from leaders.
type Replica struct {
	id     string
	roster *Roster
	quorum quorum.Config
	key    *signing.KeyPair

	mu   sync.Mutex // mu makes the check-and-record of a slot atomic
	seen *lru.Cache // seen maps a slot to the digest this replica prepared
}

// slot identifies one proposal of one leader.
type slot struct {
	leader   string
	view     uint64
	sequence uint64
}

// NewReplica creates a replica handler.
func NewReplica(cfg ReplicaConfig) (*Replica, error) {
	if cfg.Roster == nil || cfg.Key == nil {
		return nil, fmt.Errorf("roster and key are required")
	}

	if _, ok := cfg.Roster.ByID(cfg.NodeID); !ok {
		return nil, fmt.Errorf("node %q is not in the roster", cfg.NodeID)
	}

	size := cfg.ProposalLog
	if size <= 0 {
		size = defaultProposalLog
	}

	seen, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create proposal log:\n%w", err)
	}

	return &Replica{
		id:     cfg.NodeID,
		roster: cfg.Roster,
		quorum: cfg.Quorum,
		key:    cfg.Key,
		seen:   seen,
	}, nil
}

// HandleRequest is the network.Node request handler.
// The sender must be a roster member and the leader named in the message.
func (r *Replica) HandleRequest(peer *network.Peer, data []byte) ([]byte, error) {
	req, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode request:\n%w", err)
	}

	sender, ok := r.roster.ByNodeKey(peer.PublicKey())
	if !ok {
		return nil, fmt.Errorf("request from unknown node %x", peer.PublicKey()[:8])
	}

	return Encode(r.Handle(sender.ID, req))
}

// Handle answers one request from the authenticated node from.
func (r *Replica) Handle(from string, req *Message) *Message {
	if _, ok := r.roster.ByID(req.Leader); !ok {
		return r.abstain(req, reasonUnknownLeader)
	}

	if from != req.Leader {
		return r.abstain(req, reasonUnexpectedSender)
	}

	switch req.Kind {
	case types.MessageKindPrePrepare:
		return r.prepare(req)
	case types.MessageKindCommit:
		return r.commit(req)
	default:
		return r.abstain(req, fmt.Sprintf("unexpected message kind %s", req.Kind))
	}
}

// prepare re-derives the digest from the payload before endorsing it.
func (r *Replica) prepare(req *Message) *Message {
	a, submittedAt, err := attestation.ParseCanonical(req.Payload)
	if err != nil {
		return r.abstain(req, reasonBadPayload)
	}

	digest, err := attestation.Fingerprint(a, submittedAt)
	if err != nil {
		return r.abstain(req, reasonBadPayload)
	}

	if digest != req.Digest || attestation.Sum(req.Payload) != req.Digest {
		return r.abstain(req, reasonDigestMismatch)
	}

	if !r.record(req) {
		return r.abstain(req, reasonConflict)
	}

	return r.vote(consensus.VotePrepare, req)
}

// commit verifies the aggregated prepare certificate before endorsing.
func (r *Replica) commit(req *Message) *Message {
	if err := r.verifyCertificate(req); err != nil {
		logger.Debug("prepare certificate rejected", "leader", req.Leader, "seq", req.Sequence, "error", err)
		return r.abstain(req, reasonBadCertificate)
	}

	if !r.record(req) {
		return r.abstain(req, reasonConflict)
	}

	return r.vote(consensus.VoteCommit, req)
}

// record remembers the digest for the request's slot. It reports false when
// the slot already holds a different digest.
func (r *Replica) record(req *Message) bool {
	key := slot{leader: req.Leader, view: req.View, sequence: req.Sequence}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.seen.Get(key); ok {
		return prev.(attestation.Digest) == req.Digest
	}

	r.seen.Add(key, req.Digest)
	return true
}

// verifyCertificate checks signer count, signer identities and the aggregate.
func (r *Replica) verifyCertificate(req *Message) error {
	indices := signing.SignerIndices(req.Signers)

	if len(indices) < r.quorum.RequiredPrepare() {
		return fmt.Errorf("%d signers, need %d", len(indices), r.quorum.RequiredPrepare())
	}

	leader, _ := r.roster.ByID(req.Leader)
	keys := make([][]byte, 0, len(indices))

	for _, idx := range indices {
		m, ok := r.roster.ByIndex(idx)
		if !ok {
			return fmt.Errorf("signer index %d out of range", idx)
		}

		if m.Index == leader.Index {
			return fmt.Errorf("leader cannot sign its own prepare certificate")
		}

		keys = append(keys, m.VoteKey)
	}

	msg := consensus.SigningBytes(consensus.VotePrepare, req.View, req.Sequence, req.Digest)
	if !signing.VerifyAggregate(req.Signature, msg, keys) {
		return fmt.Errorf("aggregate signature does not verify")
	}

	return nil
}

func (r *Replica) vote(kind consensus.VoteKind, req *Message) *Message {
	msgKind := types.MessageKindPrepare
	if kind == consensus.VoteCommit {
		msgKind = types.MessageKindCommit
	}

	return &Message{
		Kind:      msgKind,
		View:      req.View,
		Sequence:  req.Sequence,
		Digest:    req.Digest,
		Leader:    req.Leader,
		Node:      r.id,
		Signature: r.key.Sign(consensus.SigningBytes(kind, req.View, req.Sequence, req.Digest)),
	}
}

func (r *Replica) abstain(req *Message, reason string) *Message {
	logger.Debug("abstaining",
		"leader", req.Leader,
		"seq", req.Sequence,
		"digest", req.Digest.Short(),
		"reason", reason,
	)

	return &Message{
		Kind:     types.MessageKindAbstain,
		View:     req.View,
		Sequence: req.Sequence,
		Digest:   req.Digest,
		Leader:   req.Leader,
		Node:     r.id,
		Reason:   reason,
	}
}
