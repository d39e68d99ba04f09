package weft

import (
	"context"
	"errors"
	"time"

	"github.com/weft-mesh/weft/weft/destination"
	"github.com/weft-mesh/weft/weft/identity"
	"github.com/weft-mesh/weft/weft/iface"
	"github.com/weft-mesh/weft/weft/link"
	"github.com/weft-mesh/weft/weft/packet"
	"github.com/weft-mesh/weft/weft/transport"
)

var ErrUnknownDestination = errors.New("weft: destination not registered on this node")

// Node is a high-level helper that combines an identity with a
// forwarding engine. It intentionally stays small so applications can
// customize interfaces and higher-level behavior.
type Node struct {
	id *identity.Identity
	tr *transport.Transport

	dests map[identity.Hash]*destination.Destination
}

// NewNode starts a node around id. A nil id generates a fresh one.
func NewNode(id *identity.Identity, cfg transport.Config) (*Node, error) {
	if id == nil {
		var err error
		id, err = identity.Generate()
		if err != nil {
			return nil, err
		}
	}
	return &Node{
		id:    id,
		tr:    transport.New(id, cfg),
		dests: make(map[identity.Hash]*destination.Destination),
	}, nil
}

// Identity returns the node's long-term identity.
func (n *Node) Identity() *identity.Identity { return n.id }

// Transport exposes the underlying forwarding engine.
func (n *Node) Transport() *transport.Transport { return n.tr }

// Attach puts an interface in service.
func (n *Node) Attach(ifc iface.Interface) { n.tr.AttachInterface(ifc) }

// Register creates a destination and registers it for local delivery.
// Single destinations are owned by this node's identity; group and
// plain destinations are name-addressed only.
func (n *Node) Register(mode destination.Mode, appName string, aspects ...string) (*destination.Destination, error) {
	owner := n.id
	if mode != destination.Single {
		owner = nil
	}
	d, err := destination.New(owner, mode, appName, aspects...)
	if err != nil {
		return nil, err
	}
	n.tr.RegisterDestination(d)
	n.dests[d.Hash()] = d
	return d, nil
}

// Announce emits a signed announce for a destination registered with
// Register.
func (n *Node) Announce(dest identity.Hash, appData []byte) error {
	d, ok := n.dests[dest]
	if !ok {
		return ErrUnknownDestination
	}
	p, err := d.Announce(appData)
	if err != nil {
		return err
	}
	return n.tr.Send(p)
}

// Connect establishes an encrypted link to a remote destination whose
// announce has been heard.
func (n *Node) Connect(ctx context.Context, dest identity.Hash) (*link.Link, error) {
	return n.tr.EstablishLink(ctx, dest)
}

// SendDatagram delivers a single encrypted packet to a remote single
// destination, returning a receipt that resolves when the recipient
// proves delivery.
func (n *Node) SendDatagram(dest identity.Hash, plaintext []byte, timeout time.Duration) (*transport.Receipt, error) {
	remote, ok := n.tr.Known().Recall(dest)
	if !ok {
		return nil, transport.ErrUnknownDestination
	}
	ciphertext, err := remote.Encrypt(plaintext, dest[:])
	if err != nil {
		return nil, err
	}
	p := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestinationType: packet.DestSingle,
		PacketType:      packet.TypeData,
		DestinationHash: dest,
		Payload:         ciphertext,
	}
	return n.tr.SendWithReceipt(p, timeout)
}

// Close stops the forwarding engine and detaches all interfaces.
func (n *Node) Close() {
	n.tr.Stop()
}
