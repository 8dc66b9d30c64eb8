// Package replica runs the PBFT vote exchange between a leader and the other
// cluster members: the replica side answers PRE-PREPARE and COMMIT requests
// with signed votes, the leader side is a consensus.VoteSource.
package replica

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"AttestGate/internal/signing"
)

// MemberConfig is one roster entry as written in the roster file.
type MemberConfig struct {
	ID      string `json:"id"`       // ID is the node id used in votes
	Address string `json:"address"`  // Address is the QUIC listen address
	NodeKey string `json:"node_key"` // NodeKey is the hex ed25519 identity key
	VoteKey string `json:"vote_key"` // VoteKey is the hex BLS public key
}

// Member is a validated roster entry.
type Member struct {
	Index   int               // Index is the position in the roster, used in signer bitmaps
	ID      string            // ID is the node id used in votes
	Address string            // Address is the QUIC listen address
	NodeKey ed25519.PublicKey // NodeKey authenticates the node's connections
	VoteKey []byte            // VoteKey verifies the node's votes
}

// Roster is the fixed, ordered cluster membership.
type Roster struct {
	members []Member
	byID    map[string]int
}

// LoadRoster reads a JSON roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster:\n%w", err)
	}

	return ParseRoster(data)
}

// ParseRoster decodes a JSON array of members.
func ParseRoster(data []byte) (*Roster, error) {
	var entries []MemberConfig

	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode roster:\n%w", err)
	}

	return NewRoster(entries)
}

// NewRoster validates entries and builds a roster in their order.
func NewRoster(entries []MemberConfig) (*Roster, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("roster is empty")
	}

	r := &Roster{
		members: make([]Member, 0, len(entries)),
		byID:    make(map[string]int, len(entries)),
	}

	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("roster entry %d has no id", i)
		}

		if _, dup := r.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate roster id %q", e.ID)
		}

		nodeKey, err := hex.DecodeString(e.NodeKey)
		if err != nil || len(nodeKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("roster entry %q: node key must be %d hex bytes", e.ID, ed25519.PublicKeySize)
		}

		voteKey, err := signing.ParsePublicKey(e.VoteKey)
		if err != nil {
			return nil, fmt.Errorf("roster entry %q:\n%w", e.ID, err)
		}

		r.byID[e.ID] = i
		r.members = append(r.members, Member{
			Index:   i,
			ID:      e.ID,
			Address: e.Address,
			NodeKey: ed25519.PublicKey(nodeKey),
			VoteKey: voteKey,
		})
	}

	return r, nil
}

// Len returns the number of members.
func (r *Roster) Len() int {
	return len(r.members)
}

// Members returns the members in roster order.
func (r *Roster) Members() []Member {
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// ByID returns the member with the given node id.
func (r *Roster) ByID(id string) (Member, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Member{}, false
	}
	return r.members[i], true
}

// ByIndex returns the member at roster position i.
func (r *Roster) ByIndex(i int) (Member, bool) {
	if i < 0 || i >= len(r.members) {
		return Member{}, false
	}
	return r.members[i], true
}

// ByNodeKey returns the member authenticated by key.
func (r *Roster) ByNodeKey(key ed25519.PublicKey) (Member, bool) {
	for _, m := range r.members {
		if bytes.Equal(m.NodeKey, key) {
			return m, true
		}
	}
	return Member{}, false
}

// Entry returns the roster line describing a node with the given keys.
func Entry(id, address string, nodeKey ed25519.PublicKey, vote *signing.KeyPair) MemberConfig {
	return MemberConfig{
		ID:      id,
		Address: address,
		NodeKey: hex.EncodeToString(nodeKey),
		VoteKey: vote.PublicKeyHex(),
	}
}
