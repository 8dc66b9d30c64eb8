package replica

import (
	"context"
	"fmt"

	"AttestGate/internal/network"
)

// NetworkTransport reaches roster members over QUIC.
type NetworkTransport struct {
	node *network.Node
}

// NewNetworkTransport wraps a started node.
func NewNetworkTransport(node *network.Node) *NetworkTransport {
	return &NetworkTransport{node: node}
}

// Request dials m on first use, pinning its roster key, and sends data.
func (t *NetworkTransport) Request(ctx context.Context, m Member, data []byte) ([]byte, error) {
	if m.Address == "" {
		return nil, fmt.Errorf("node %s has no address", m.ID)
	}

	peer, err := t.node.Dial(ctx, m.NodeKey, m.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:\n%w", m.ID, err)
	}

	resp, err := peer.Request(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s:\n%w", m.ID, err)
	}

	return resp, nil
}
