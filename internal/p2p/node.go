package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/federated-storage/economy/internal/services"
)

// ChallengeProtocol is the stream protocol for delivering storage
// challenges to contributor nodes.
const ChallengeProtocol = "/federated-storage/1.0.0/storage-challenge"

// Node represents the coordinator's libp2p node
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	config NodeConfig
}

// NodeConfig holds P2P node configuration
type NodeConfig struct {
	ListenAddresses []string
	BootstrapPeers  []string
}

// NewNode creates a new libp2p node
func NewNode(listenAddresses []string, bootstrapPeers []string) *Node {
	if len(listenAddresses) == 0 {
		listenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		}
	}

	return &Node{
		config: NodeConfig{
			ListenAddresses: listenAddresses,
			BootstrapPeers:  bootstrapPeers,
		},
	}
}

// Start starts the P2P node
func (n *Node) Start(ctx context.Context) error {
	h, err := libp2p.New(libp2p.ListenAddrStrings(n.config.ListenAddresses...))
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	kadDHT, err := dht.New(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.dht = kadDHT

	if err := kadDHT.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addr := range n.config.BootstrapPeers {
		if err := n.Connect(ctx, addr); err != nil {
			return fmt.Errorf("failed to connect bootstrap peer %s: %w", addr, err)
		}
	}
	return nil
}

// Stop stops the P2P node
func (n *Node) Stop() error {
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// ID returns the peer ID
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the multiaddrs the node is listening on
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}

	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, addr.String())
	}
	return addrs
}

// Connect connects to a peer
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address: %w", err)
	}

	if err := n.host.Connect(ctx, *addrInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	return nil
}

// Dispatch delivers a challenge payload to a contributor node. Delivery
// is fire-and-forget; the node answers over HTTP.
func (n *Node) Dispatch(ctx context.Context, peerID string, payload services.ChallengePayload) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}

	stream, err := n.host.NewStream(ctx, pid, ChallengeProtocol)
	if err != nil {
		return fmt.Errorf("failed to open challenge stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(payload); err != nil {
		return fmt.Errorf("failed to write challenge: %w", err)
	}
	return nil
}
