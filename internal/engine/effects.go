package engine

import "github.com/peerparty/avalon/pkg/protocol"

// Effect is an instruction the coordinator executes against the transport
// after a successful Apply. Keeping side effects out of the reducer is what
// makes the state machine testable without a live transport.
type Effect interface{ isEffect() }

// Send delivers one message to a single peer.
type Send struct {
	To  string
	Msg protocol.Message
}

// Broadcast delivers one message to every connected peer.
type Broadcast struct {
	Msg protocol.Message
}

// ClosePeer tears down the transport connection to a removed player.
type ClosePeer struct {
	PeerID string
}

// GenerateFlavor requests mission narration asynchronously. The coordinator
// feeds the result back through ApplyFlavor; the reducer never waits on it.
type GenerateFlavor struct {
	RoundNumber int
	TeamNames   []string
}

func (Send) isEffect()           {}
func (Broadcast) isEffect()      {}
func (ClosePeer) isEffect()      {}
func (GenerateFlavor) isEffect() {}
