// Package relay implements the connection broker: the only backend this
// system has. Peers register over a websocket, receive a broker-assigned id,
// and exchange opaque envelopes addressed by peer id. The broker guarantees
// reliable ordered delivery per logical connection (one writer goroutine per
// peer) and notifies counterparties when a peer goes away.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	peerSendBuffer = 32
	writeTimeout   = 5 * time.Second
)

type peer struct {
	id   string
	send chan Envelope
	// links holds the ids this peer has logical connections with.
	links map[string]bool
}

type Server struct {
	log *zap.Logger

	// BaseURL, when set, overrides request-derived URLs in join links
	// (needed behind a reverse proxy).
	baseURL string

	mu    sync.Mutex
	peers map[string]*peer
}

func NewServer(baseURL string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:     log,
		baseURL: baseURL,
		peers:   make(map[string]*peer),
	}
}

// HandleWS upgrades the connection, assigns a peer id, and routes envelopes
// until the peer disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	p := s.register()
	defer s.unregister(p)
	s.log.Info("peer registered", zap.String("peer", p.id))

	// Writer goroutine: the single writer per peer is what makes delivery
	// ordered from the receiver's point of view.
	writeCtx, writeCancel := context.WithCancel(r.Context())
	defer writeCancel()
	go func() {
		for env := range p.send {
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
			err = conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	p.send <- Envelope{Kind: KindWelcome, To: p.id}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				s.log.Debug("peer read ended", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.send <- Envelope{Kind: KindError, Err: "bad envelope"}
			continue
		}
		s.route(p, env)
	}
}

func (s *Server) register() *peer {
	p := &peer{
		id:    uuid.NewString(),
		send:  make(chan Envelope, peerSendBuffer),
		links: make(map[string]bool),
	}
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	return p
}

// unregister drops the peer and tells every linked counterpart the logical
// connection is gone. This is the prompt half of disconnect detection; the
// host's polling tracker covers the cases where this never runs.
func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	for linked := range p.links {
		if remote, ok := s.peers[linked]; ok {
			delete(remote.links, p.id)
			remote.deliver(Envelope{Kind: KindClose, From: p.id})
		}
	}
	close(p.send)
	s.mu.Unlock()
	s.log.Info("peer unregistered", zap.String("peer", p.id))
}

// route handles one envelope from p. The From field of anything forwarded is
// always stamped with p's broker-assigned id.
func (s *Server) route(p *peer, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Kind {
	case KindConnect:
		remote, ok := s.peers[env.To]
		if !ok {
			p.deliver(Envelope{Kind: KindError, From: env.To, Err: "unknown peer"})
			return
		}
		p.links[remote.id] = true
		remote.links[p.id] = true
		remote.deliver(Envelope{Kind: KindPeer, From: p.id})
		p.deliver(Envelope{Kind: KindPeer, From: remote.id})

	case KindData:
		if !p.links[env.To] {
			return
		}
		remote, ok := s.peers[env.To]
		if !ok {
			return
		}
		remote.deliver(Envelope{Kind: KindData, From: p.id, Msg: env.Msg})

	case KindClose:
		if !p.links[env.To] {
			return
		}
		delete(p.links, env.To)
		if remote, ok := s.peers[env.To]; ok {
			delete(remote.links, p.id)
			remote.deliver(Envelope{Kind: KindClose, From: p.id})
		}

	default:
		p.deliver(Envelope{Kind: KindError, Err: "unknown kind"})
	}
}

// deliver assumes s.mu is held. A peer whose writer stalled loses envelopes
// rather than wedging the broker; the game protocol recovers via the next
// full snapshot.
func (p *peer) deliver(env Envelope) {
	select {
	case p.send <- env:
	default:
	}
}

// connectedPeerCount is a test hook.
func (s *Server) connectedPeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// hasPeer reports whether id is currently registered.
func (s *Server) hasPeer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	return ok
}
