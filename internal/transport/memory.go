package transport

import (
	"context"
	"slices"
	"sync"

	"github.com/peerparty/avalon/pkg/protocol"
)

const memEventBuffer = 256

// Network pairs in-process transports by id. It is the test double for the
// relay: same contract, no sockets.
type Network struct {
	mu    sync.Mutex
	peers map[string]*MemPeer
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*MemPeer)}
}

// Open registers a new peer on the network under the given id.
func (n *Network) Open(id string) *MemPeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := &MemPeer{
		id:     id,
		net:    n,
		links:  make(map[string]bool),
		events: make(chan Event, memEventBuffer),
	}
	n.peers[id] = p
	return p
}

// Silence drops all of a peer's links without emitting Closed events on
// either side, simulating abrupt network loss. Only the membership
// tracker's poll can notice this.
func (n *Network) Silence(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.peers[id]
	if p == nil {
		return
	}
	for remote := range p.links {
		if rp := n.peers[remote]; rp != nil {
			delete(rp.links, id)
		}
	}
	p.links = make(map[string]bool)
}

// MemPeer is a Transport backed by the in-memory Network.
type MemPeer struct {
	id     string
	net    *Network
	links  map[string]bool // guarded by net.mu
	events chan Event
	closed bool // guarded by net.mu
}

func (p *MemPeer) SelfID() string { return p.id }

func (p *MemPeer) Connect(_ context.Context, remoteID string) error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	remote, ok := p.net.peers[remoteID]
	if !ok || remote.closed {
		return ErrUnknownPeer
	}
	p.links[remoteID] = true
	remote.links[p.id] = true
	remote.deliver(Event{Kind: KindOpened, PeerID: p.id})
	p.deliver(Event{Kind: KindOpened, PeerID: remoteID})
	return nil
}

func (p *MemPeer) Send(peerID string, msg protocol.Message) error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.links[peerID] {
		return ErrNotConnected
	}
	remote := p.net.peers[peerID]
	if remote == nil {
		return ErrNotConnected
	}
	remote.deliver(Event{Kind: KindMessage, PeerID: p.id, Msg: msg})
	return nil
}

func (p *MemPeer) ConnectedPeers() []string {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	ids := make([]string, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *MemPeer) Disconnect(peerID string) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.dropLink(peerID, true)
}

// dropLink assumes net.mu is held.
func (p *MemPeer) dropLink(peerID string, notify bool) {
	if !p.links[peerID] {
		return
	}
	delete(p.links, peerID)
	if remote := p.net.peers[peerID]; remote != nil {
		delete(remote.links, p.id)
		if notify {
			remote.deliver(Event{Kind: KindClosed, PeerID: p.id})
		}
	}
	if notify {
		p.deliver(Event{Kind: KindClosed, PeerID: peerID})
	}
}

func (p *MemPeer) Events() <-chan Event { return p.events }

func (p *MemPeer) Close() error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.closed {
		return nil
	}
	for remote := range p.links {
		p.dropLink(remote, true)
	}
	p.closed = true
	delete(p.net.peers, p.id)
	close(p.events)
	return nil
}

// deliver assumes net.mu is held. A receiver that stopped draining its
// events loses the newest event rather than wedging the whole network.
func (p *MemPeer) deliver(ev Event) {
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}
