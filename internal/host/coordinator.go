// Package host runs the authoritative side of a room: a single-goroutine
// actor that owns the engine state, feeds it every inbound message in
// arrival order, and executes the resulting effects against the transport.
// No other goroutine ever touches the state, so no locking is needed.
package host

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/peerparty/avalon/internal/engine"
	"github.com/peerparty/avalon/internal/flavor"
	"github.com/peerparty/avalon/internal/game"
	"github.com/peerparty/avalon/internal/transport"
	"github.com/peerparty/avalon/pkg/protocol"
)

// DefaultCheckInterval is how often the membership tracker reconciles the
// player list against the transport's live connection set.
const DefaultCheckInterval = time.Second

type coordMsg interface{ isCoordMsg() }

type localCmd struct{ Msg protocol.Message }

type toggleTeamMember struct{ PlayerID string }

type flavorReady struct {
	RoundNumber int
	Text        string
}

type getState struct{ Reply chan View }

type shutdown struct{}

func (localCmd) isCoordMsg()         {}
func (toggleTeamMember) isCoordMsg() {}
func (flavorReady) isCoordMsg()      {}
func (getState) isCoordMsg()         {}
func (shutdown) isCoordMsg()         {}

// View reflects coordinator internals without data races; used by the local
// UI and by tests.
type View struct {
	Game           game.State
	FlavorText     string
	TeamBallots    int
	MissionBallots int
}

type Options struct {
	// CheckInterval overrides the membership poll interval; <= 0 means
	// DefaultCheckInterval.
	CheckInterval time.Duration
	Flavor        flavor.Generator
	Logger        *zap.Logger
}

type Coordinator struct {
	tr     transport.Transport
	gen    flavor.Generator
	log    *zap.Logger
	inbox  chan coordMsg
	st     engine.State
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tick   time.Duration
}

// New creates the room and starts its event loop. The transport must already
// be open; its self id becomes the room id.
func New(parent context.Context, tr transport.Transport, hostName, avatarColor string, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	tick := opts.CheckInterval
	if tick <= 0 {
		tick = DefaultCheckInterval
	}
	gen := opts.Flavor
	if gen == nil {
		gen = flavor.Static{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Coordinator{
		tr:     tr,
		gen:    gen,
		log:    log.With(zap.String("room", tr.SelfID())),
		inbox:  make(chan coordMsg, 64),
		st:     engine.NewState(tr.SelfID(), hostName, avatarColor),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tick:   tick,
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return

		case ev, ok := <-c.tr.Events():
			if !ok {
				c.teardown()
				return
			}
			c.handleTransportEvent(ev)

		case m := <-c.inbox:
			if c.handleCoordMsg(m) {
				return
			}

		case <-ticker.C:
			c.checkConnections()
		}
	}
}

func (c *Coordinator) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.KindOpened:
		// Membership starts at JOIN, not at connection open.
		c.log.Debug("connection opened", zap.String("peer", ev.PeerID))
	case transport.KindMessage:
		c.apply(ev.Msg, ev.PeerID)
	case transport.KindClosed:
		c.log.Info("connection closed", zap.String("peer", ev.PeerID))
		c.evict(ev.PeerID)
	case transport.KindError:
		c.log.Warn("transport error", zap.Error(ev.Err))
	}
}

// handleCoordMsg reports whether the loop should exit.
func (c *Coordinator) handleCoordMsg(m coordMsg) bool {
	switch msg := m.(type) {
	case localCmd:
		c.apply(msg.Msg, c.tr.SelfID())
	case toggleTeamMember:
		c.apply(protocol.NewUpdateTeam(toggledTeam(c.st.Game, msg.PlayerID)), c.tr.SelfID())
	case flavorReady:
		effects, ns, err := engine.ApplyFlavor(c.st, msg.RoundNumber, msg.Text)
		if err != nil {
			c.log.Debug("flavor dropped", zap.Int("round", msg.RoundNumber), zap.Error(err))
			return false
		}
		c.st = ns
		c.execute(effects)
	case getState:
		msg.Reply <- View{
			Game:           c.st.Game.Clone(),
			FlavorText:     c.st.FlavorText,
			TeamBallots:    len(c.st.TeamBallots),
			MissionBallots: len(c.st.MissionBallots),
		}
	case shutdown:
		c.teardown()
		return true
	}
	return false
}

// apply runs one message through the reducer and executes its effects.
// Reducer rejections are the expected-race taxonomy: drop silently.
func (c *Coordinator) apply(msg protocol.Message, senderID string) {
	effects, ns, err := engine.Apply(c.st, msg, senderID)
	if err != nil {
		c.log.Debug("message rejected",
			zap.String("type", string(msg.Type)),
			zap.String("sender", senderID),
			zap.Error(err),
		)
		return
	}
	c.st = ns
	c.execute(effects)
}

func (c *Coordinator) execute(effects []engine.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case engine.Send:
			if e.To == c.tr.SelfID() {
				continue
			}
			if err := c.tr.Send(e.To, e.Msg); err != nil && !errors.Is(err, transport.ErrNotConnected) {
				c.log.Warn("send failed", zap.String("peer", e.To), zap.Error(err))
			}
		case engine.Broadcast:
			for _, peer := range c.tr.ConnectedPeers() {
				if err := c.tr.Send(peer, e.Msg); err != nil && !errors.Is(err, transport.ErrNotConnected) {
					c.log.Warn("broadcast send failed", zap.String("peer", peer), zap.Error(err))
				}
			}
		case engine.ClosePeer:
			c.tr.Disconnect(e.PeerID)
		case engine.GenerateFlavor:
			go c.generateFlavor(e.RoundNumber, e.TeamNames)
		}
	}
}

// generateFlavor runs off-loop; the result re-enters through the inbox so
// all state mutation stays on the actor goroutine.
func (c *Coordinator) generateFlavor(round int, names []string) {
	text, err := c.gen.Generate(c.ctx, round, names)
	if err != nil || text == "" {
		text = flavor.Fallback(round)
	}
	select {
	case c.inbox <- flavorReady{RoundNumber: round, Text: text}:
	case <-c.ctx.Done():
	}
}

// checkConnections is the membership tracker: any non-host player whose
// connection vanished without a Closed event gets the same eviction path as
// an explicit REMOVE_PLAYER. The host is exempt; its liveness is the
// process's own.
func (c *Coordinator) checkConnections() {
	live := c.tr.ConnectedPeers()
	for _, p := range c.st.Game.Players {
		if p.IsHost || !p.IsConnected {
			continue
		}
		if !slices.Contains(live, p.ID) {
			c.log.Info("player connection lost", zap.String("peer", p.ID), zap.String("name", p.Name))
			c.evict(p.ID)
		}
	}
}

func (c *Coordinator) evict(peerID string) {
	if !c.st.Game.HasPlayer(peerID) {
		return
	}
	c.apply(protocol.NewRemovePlayer(peerID), c.tr.SelfID())
}

func (c *Coordinator) teardown() {
	c.cancel()
	_ = c.tr.Close()
}

func toggledTeam(g game.State, playerID string) []string {
	team := slices.Clone(g.CurrentTeam)
	if i := slices.Index(team, playerID); i >= 0 {
		return slices.Delete(team, i, i+1)
	}
	return append(team, playerID)
}

// ---- Local-injection API ----
//
// When the local peer is the host, user gestures are applied directly with
// senderId = self instead of round-tripping through the transport.

func (c *Coordinator) enqueue(m coordMsg) {
	select {
	case c.inbox <- m:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) UpdateTeam(team []string) { c.enqueue(localCmd{Msg: protocol.NewUpdateTeam(team)}) }

func (c *Coordinator) ToggleTeamMember(playerID string) {
	c.enqueue(toggleTeamMember{PlayerID: playerID})
}

func (c *Coordinator) StartVote() { c.enqueue(localCmd{Msg: protocol.NewStartVote()}) }

func (c *Coordinator) SubmitTeamVote(v game.TeamVote) {
	c.enqueue(localCmd{Msg: protocol.NewSubmitTeamVote(v)})
}

func (c *Coordinator) SubmitMissionVote(v game.MissionVote) {
	c.enqueue(localCmd{Msg: protocol.NewSubmitVote(v)})
}

func (c *Coordinator) NextRound() { c.enqueue(localCmd{Msg: protocol.NewResetRound()}) }

func (c *Coordinator) RestartGame() { c.enqueue(localCmd{Msg: protocol.NewRestartGame()}) }

func (c *Coordinator) RemovePlayer(playerID string) {
	c.enqueue(localCmd{Msg: protocol.NewRemovePlayer(playerID)})
}

// View returns a race-free snapshot of the coordinator's state.
func (c *Coordinator) View() View {
	reply := make(chan View, 1)
	select {
	case c.inbox <- getState{Reply: reply}:
		select {
		case v := <-reply:
			return v
		case <-c.done:
		}
	case <-c.done:
	}
	return View{}
}

// Shutdown ends the room: the ticker stops, every connection closes, and
// the state is discarded.
func (c *Coordinator) Shutdown() {
	select {
	case c.inbox <- shutdown{}:
	case <-c.done:
	}
	<-c.done
}
