package consensus

import (
	"context"
	"encoding/binary"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"

	"AttestGate/internal/attestation"
)

// voteDomain separates vote signatures from any other signed data.
var voteDomain = []byte("attestgate/vote/v1")

// VoteKind distinguishes PREPARE from COMMIT endorsements.
type VoteKind uint8

const (
	VotePrepare VoteKind = iota + 1
	VoteCommit
)

// String returns the protocol name of the vote kind.
func (k VoteKind) String() string {
	switch k {
	case VotePrepare:
		return "PREPARE"
	case VoteCommit:
		return "COMMIT"
	default:
		return "VoteKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Proposal is the PRE-PREPARE content broadcast by the leader.
type Proposal struct {
	Leader   string             // Leader is the node id of the proposer
	View     uint64             // View is the protocol epoch
	Sequence uint64             // Sequence is the round's unique sequence number
	Digest   attestation.Digest // Digest fingerprints Payload
	Payload  []byte             // Payload is the canonical attestation payload
}

// Vote is one node's endorsement of a proposal.
type Vote struct {
	Kind      VoteKind
	View      uint64
	Sequence  uint64
	Digest    attestation.Digest
	NodeID    string
	Signature []byte // Signature is optional; sources that sign verify before emitting
}

// Matches reports whether v endorses p in the given phase.
func (v Vote) Matches(kind VoteKind, p Proposal) bool {
	return v.Kind == kind && v.View == p.View && v.Sequence == p.Sequence && v.Digest == p.Digest
}

// Certificate is the set of distinct votes that formed a quorum.
type Certificate struct {
	Kind     VoteKind
	View     uint64
	Sequence uint64
	Digest   attestation.Digest
	Votes    []Vote // Votes are sorted by node id
}

// Signers returns the node ids in the certificate.
func (c Certificate) Signers() []string {
	ids := make([]string, len(c.Votes))
	for i, v := range c.Votes {
		ids[i] = v.NodeID
	}
	return ids
}

// newCertificate builds a certificate from a deduplicated vote set.
func newCertificate(kind VoteKind, p Proposal, set map[string]Vote) Certificate {
	votes := make([]Vote, 0, len(set))
	for _, v := range set {
		votes = append(votes, v)
	}

	sort.Slice(votes, func(i, j int) bool { return votes[i].NodeID < votes[j].NodeID })

	return Certificate{
		Kind:     kind,
		View:     p.View,
		Sequence: p.Sequence,
		Digest:   p.Digest,
		Votes:    votes,
	}
}

// VoteSource delivers the endorsements of the replica set.
//
// Each call returns a channel of votes for one phase. The source closes the
// channel once no further votes can arrive and must stop sending when ctx is
// done. Votes may be duplicated, replayed or arrive out of order; the round
// filters them.
type VoteSource interface {
	// Prepare broadcasts the PRE-PREPARE and streams PREPARE votes.
	Prepare(ctx context.Context, p Proposal) (<-chan Vote, error)

	// Commit announces the prepared certificate and streams COMMIT votes.
	Commit(ctx context.Context, p Proposal, prepared Certificate) (<-chan Vote, error)
}

// SigningBytes returns the message a node signs to endorse a proposal.
// It omits the node id so that signatures over it can be aggregated.
func SigningBytes(kind VoteKind, view, sequence uint64, digest attestation.Digest) []byte {
	var buf [1 + 8 + 8]byte
	buf[0] = byte(kind)
	binary.BigEndian.PutUint64(buf[1:9], view)
	binary.BigEndian.PutUint64(buf[9:17], sequence)

	h := blake3.New()
	h.Write(voteDomain)
	h.Write(buf[:])
	h.Write(digest[:])

	return h.Sum(nil)
}
