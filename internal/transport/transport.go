// Package transport abstracts the peer-to-peer connection capability the
// game core consumes. The host and client never touch sockets directly; they
// speak to a Transport so tests can run the whole protocol over an in-memory
// network and production peers can run it through the relay broker.
//
// Contract: delivery per logical connection is reliable and ordered, and the
// peer id reported with each event is the transport-level identity of the
// remote end. That out-of-band id is the only sender identity the protocol
// trusts.
package transport

import (
	"context"
	"errors"

	"github.com/peerparty/avalon/pkg/protocol"
)

var ErrClosed = errors.New("transport closed")
var ErrNotConnected = errors.New("peer not connected")
var ErrUnknownPeer = errors.New("unknown peer")

type EventKind int

const (
	// KindOpened fires when a logical connection to a peer is established.
	KindOpened EventKind = iota
	// KindMessage carries an inbound protocol message and its sender id.
	KindMessage
	// KindClosed fires when a logical connection goes away. Not guaranteed
	// to fire promptly on abrupt loss; the membership tracker's poll is the
	// fallback detector.
	KindClosed
	// KindError reports a transport-level fault.
	KindError
)

type Event struct {
	Kind   EventKind
	PeerID string
	Msg    protocol.Message
	Err    error
}

type Transport interface {
	// SelfID is the stable identifier this peer is reachable under.
	SelfID() string

	// Connect opens a logical connection to a remote peer. Clients call it
	// exactly once, towards the room id from the join link.
	Connect(ctx context.Context, remoteID string) error

	// Send delivers one message over the logical connection to peerID.
	Send(peerID string, msg protocol.Message) error

	// ConnectedPeers lists the ids with currently live connections. The
	// host's membership tracker polls this.
	ConnectedPeers() []string

	// Disconnect tears down the logical connection to one peer.
	Disconnect(peerID string)

	// Events is the single inbound stream of connection and message events.
	Events() <-chan Event

	// Close tears down every connection and ends the event stream.
	Close() error
}
