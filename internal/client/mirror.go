// Package client implements the non-host side of a room: a pure follower
// that mirrors host snapshots and forwards user gestures upstream. It has no
// transition logic of its own; every SYNC_STATE replaces the local state
// wholesale, which makes snapshot application idempotent by construction.
package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/peerparty/avalon/internal/game"
	"github.com/peerparty/avalon/internal/transport"
	"github.com/peerparty/avalon/pkg/protocol"
)

// Handlers are the presentation layer's hooks. All are optional and are
// invoked from the mirror's event goroutine.
type Handlers struct {
	// OnState fires after every snapshot replacement.
	OnState func(game.State)
	// OnVotePhase fires when a team or mission vote opens, after the local
	// has-voted flag was cleared.
	OnVotePhase func()
	// OnFlavor fires when mission narration arrives or changes.
	OnFlavor func(string)
	// OnKicked fires after the mirror tore down its connection because the
	// host removed this player.
	OnKicked func()
	// OnRestarted fires on the GAME_RESTARTED notice; the matching state
	// arrives via the accompanying snapshot.
	OnRestarted func()
	// OnDisconnected fires when the connection to the host is gone for any
	// other reason.
	OnDisconnected func()
}

// Mirror is the client-side state machine.
type Mirror struct {
	tr       transport.Transport
	hostID   string
	log      *zap.Logger
	handlers Handlers

	mu         sync.Mutex
	state      game.State
	flavorText string
	hasVoted   bool
	left       bool

	done chan struct{}
}

// New wires a mirror to an open transport. Call Join to enter the room.
func New(tr transport.Transport, hostID string, handlers Handlers, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		tr:       tr,
		hostID:   hostID,
		log:      log.With(zap.String("room", hostID)),
		handlers: handlers,
		state:    game.State{Phase: game.PhaseLobby},
		done:     make(chan struct{}),
	}
}

// Join connects to the host, announces this player, and starts mirroring.
// It returns once the connection is up; snapshots arrive via Handlers.
func (m *Mirror) Join(ctx context.Context, name, avatarColor string) error {
	if err := m.tr.Connect(ctx, m.hostID); err != nil {
		return fmt.Errorf("client: connect to host: %w", err)
	}
	if err := m.tr.Send(m.hostID, protocol.NewJoin(name, avatarColor)); err != nil {
		return fmt.Errorf("client: send join: %w", err)
	}
	go m.run()
	return nil
}

func (m *Mirror) run() {
	defer close(m.done)
	for ev := range m.tr.Events() {
		switch ev.Kind {
		case transport.KindMessage:
			if ev.PeerID != m.hostID {
				// Only the host speaks to clients.
				continue
			}
			m.handleMessage(ev.Msg)
		case transport.KindClosed:
			if ev.PeerID != m.hostID {
				continue
			}
			m.log.Info("disconnected from host")
			if m.leaveOnce() && m.handlers.OnDisconnected != nil {
				m.handlers.OnDisconnected()
			}
			return
		case transport.KindError:
			m.log.Warn("transport error", zap.Error(ev.Err))
		}
	}
}

func (m *Mirror) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSyncState:
		var p protocol.SyncStatePayload
		if err := protocol.Decode(msg, &p); err != nil {
			m.log.Warn("bad snapshot", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.state = p.State
		m.mu.Unlock()
		if m.handlers.OnState != nil {
			m.handlers.OnState(p.State)
		}

	case protocol.TypeStartTeamVote:
		m.mu.Lock()
		m.hasVoted = false
		m.mu.Unlock()
		if m.handlers.OnVotePhase != nil {
			m.handlers.OnVotePhase()
		}

	case protocol.TypeStartMissionVote:
		var p protocol.StartMissionVotePayload
		if err := protocol.Decode(msg, &p); err != nil {
			m.log.Warn("bad mission notice", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.hasVoted = false
		m.flavorText = p.FlavorText
		m.mu.Unlock()
		if m.handlers.OnVotePhase != nil {
			m.handlers.OnVotePhase()
		}
		if p.FlavorText != "" && m.handlers.OnFlavor != nil {
			m.handlers.OnFlavor(p.FlavorText)
		}

	case protocol.TypeMissionFlavor:
		var p protocol.MissionFlavorPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return
		}
		m.mu.Lock()
		m.flavorText = p.FlavorText
		m.mu.Unlock()
		if m.handlers.OnFlavor != nil {
			m.handlers.OnFlavor(p.FlavorText)
		}

	case protocol.TypeKicked:
		m.log.Info("removed from room")
		if m.leaveOnce() && m.handlers.OnKicked != nil {
			m.handlers.OnKicked()
		}

	case protocol.TypeGameRestarted:
		if m.handlers.OnRestarted != nil {
			m.handlers.OnRestarted()
		}

	default:
		m.log.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

// leaveOnce tears the mirror down exactly once and reports whether this
// call did the teardown.
func (m *Mirror) leaveOnce() bool {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return false
	}
	m.left = true
	m.state = game.State{Phase: game.PhaseLobby}
	m.flavorText = ""
	m.hasVoted = false
	m.mu.Unlock()
	_ = m.tr.Close()
	return true
}

// Leave exits the room voluntarily. There is no goodbye message; tearing
// down the transport is the signal, and the host's membership tracker does
// the rest.
func (m *Mirror) Leave() {
	m.leaveOnce()
	<-m.done
}

// State returns the most recent snapshot.
func (m *Mirror) State() game.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// FlavorText returns the current round's narration, possibly empty while
// generation is still in flight.
func (m *Mirror) FlavorText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flavorText
}

// HasVoted reports the local, never-replicated "have I voted" flag.
func (m *Mirror) HasVoted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasVoted
}

func (m *Mirror) send(msg protocol.Message) error {
	if err := m.tr.Send(m.hostID, msg); err != nil {
		return fmt.Errorf("client: send %s: %w", msg.Type, err)
	}
	return nil
}

// ToggleTeamMember flips playerID in the proposed team and submits the
// whole team upstream; the host replaces currentTeam verbatim.
func (m *Mirror) ToggleTeamMember(playerID string) error {
	m.mu.Lock()
	team := make([]string, 0, len(m.state.CurrentTeam)+1)
	found := false
	for _, id := range m.state.CurrentTeam {
		if id == playerID {
			found = true
			continue
		}
		team = append(team, id)
	}
	if !found {
		team = append(team, playerID)
	}
	m.mu.Unlock()
	return m.send(protocol.NewUpdateTeam(team))
}

func (m *Mirror) StartVote() error {
	return m.send(protocol.NewStartVote())
}

func (m *Mirror) SubmitTeamVote(v game.TeamVote) error {
	if err := m.send(protocol.NewSubmitTeamVote(v)); err != nil {
		return err
	}
	m.mu.Lock()
	m.hasVoted = true
	m.mu.Unlock()
	return nil
}

func (m *Mirror) SubmitMissionVote(v game.MissionVote) error {
	if err := m.send(protocol.NewSubmitVote(v)); err != nil {
		return err
	}
	m.mu.Lock()
	m.hasVoted = true
	m.mu.Unlock()
	return nil
}
