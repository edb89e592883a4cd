// Package engine implements the host's authoritative state machine as a pure
// reducer: (state, message, senderId) -> (effects, state, error). The
// coordinator owns a State value and replaces it wholesale on every
// successful Apply; the reducer never mutates its input.
package engine

import (
	"errors"
	"slices"
	"time"

	"github.com/peerparty/avalon/internal/flavor"
	"github.com/peerparty/avalon/internal/game"
	"github.com/peerparty/avalon/pkg/protocol"
)

// Rejections are expected races (a vote arriving just after resolution, a
// duplicate JOIN retry) and are handled as silent no-ops: the coordinator
// logs them and sends nothing back.
var ErrWrongPhase = errors.New("message not valid in current phase")
var ErrDuplicateJoin = errors.New("sender already joined")
var ErrDuplicateBallot = errors.New("sender already voted this sub-phase")
var ErrUnknownSender = errors.New("sender is not a player")
var ErrNotOnTeam = errors.New("sender is not on the proposed team")
var ErrNotHost = errors.New("sender is not the host")
var ErrEmptyTeam = errors.New("no team proposed")
var ErrUnknownPlayer = errors.New("no such player")
var ErrHostImmune = errors.New("host cannot be removed")
var ErrUnsupportedMessage = errors.New("unsupported message")
var ErrBadPayload = errors.New("malformed payload")
var ErrStaleFlavor = errors.New("flavor text arrived too late")

// State is everything the host tracks: the replicated aggregate plus the
// host-local ballot buffers and the current round's narration. The buffers
// are never replicated and are reset atomically at every round boundary.
type State struct {
	Game game.State

	// TeamBallots is the attributable team-vote buffer for the current
	// TEAM_VOTE sub-phase.
	TeamBallots []game.TeamBallot

	// MissionBallots holds bare mission-vote values; MissionVoters holds the
	// ids that already cast one. Keeping them apart preserves anonymity while
	// still enforcing one ballot per player.
	MissionBallots []game.MissionVote
	MissionVoters  []string

	FlavorText string

	// Now supplies MissionResult timestamps; tests pin it.
	Now func() time.Time
}

// NewState returns the host state for a freshly opened room.
func NewState(hostID, hostName, avatarColor string) State {
	return State{
		Game: game.New(hostID, game.NormalizeName(hostName), avatarColor),
		Now:  time.Now,
	}
}

func (s State) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Apply validates msg against the current state and returns the effects to
// execute plus the successor state. On error the input state is returned
// unchanged and nothing must be sent.
func Apply(s State, msg protocol.Message, senderID string) ([]Effect, State, error) {
	switch msg.Type {
	case protocol.TypeJoin:
		return applyJoin(s, msg, senderID)
	case protocol.TypeUpdateTeam:
		return applyUpdateTeam(s, msg)
	case protocol.TypeStartVote:
		return applyStartVote(s)
	case protocol.TypeSubmitTeamVote:
		return applySubmitTeamVote(s, msg, senderID)
	case protocol.TypeSubmitVote:
		return applySubmitVote(s, msg, senderID)
	case protocol.TypeResetRound:
		return applyResetRound(s, senderID)
	case protocol.TypeRestartGame:
		return applyRestartGame(s, senderID)
	case protocol.TypeRemovePlayer:
		return applyRemovePlayer(s, msg, senderID)
	default:
		return nil, s, ErrUnsupportedMessage
	}
}

// ApplyFlavor folds an asynchronously generated narration back in. Results
// for a finished or different round are dropped.
func ApplyFlavor(s State, roundNumber int, text string) ([]Effect, State, error) {
	if s.Game.Phase != game.PhaseMissionVoting || s.Game.RoundNumber() != roundNumber {
		return nil, s, ErrStaleFlavor
	}
	ns := s
	ns.FlavorText = text
	return []Effect{Broadcast{Msg: protocol.NewMissionFlavor(roundNumber, text)}}, ns, nil
}

func applyJoin(s State, msg protocol.Message, senderID string) ([]Effect, State, error) {
	var p protocol.JoinPayload
	if err := protocol.Decode(msg, &p); err != nil {
		return nil, s, ErrBadPayload
	}
	// Duplicate JOINs happen when a client retries before its first
	// SYNC_STATE arrives; they must be a no-op.
	if s.Game.HasPlayer(senderID) {
		return nil, s, ErrDuplicateJoin
	}

	ns := s
	ns.Game = s.Game.Clone()
	ns.Game.Players = append(ns.Game.Players, game.Player{
		ID:          senderID,
		Name:        game.NormalizeName(p.Name),
		AvatarColor: p.AvatarColor,
		IsConnected: true,
	})

	snap := ns.Game.Clone()
	// The direct reply lets the new player render immediately even if the
	// broadcast is delayed behind other traffic.
	effects := []Effect{
		Send{To: senderID, Msg: protocol.NewSyncState(snap)},
		Broadcast{Msg: protocol.NewSyncState(snap)},
	}
	return effects, ns, nil
}

func applyUpdateTeam(s State, msg protocol.Message) ([]Effect, State, error) {
	if s.Game.Phase != game.PhaseTeamSelection {
		return nil, s, ErrWrongPhase
	}
	var p protocol.UpdateTeamPayload
	if err := protocol.Decode(msg, &p); err != nil {
		return nil, s, ErrBadPayload
	}

	ns := s
	ns.Game = s.Game.Clone()
	ns.Game.CurrentTeam = filterTeam(ns.Game, p.Team)
	return []Effect{syncAll(ns)}, ns, nil
}

// filterTeam drops ids that do not belong to current players and collapses
// duplicates, preserving selection order. A disconnected player's id must
// not linger in a proposed team.
func filterTeam(g game.State, team []string) []string {
	out := make([]string, 0, len(team))
	for _, id := range team {
		if !g.HasPlayer(id) || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func applyStartVote(s State) ([]Effect, State, error) {
	if s.Game.Phase != game.PhaseTeamSelection {
		return nil, s, ErrWrongPhase
	}
	if len(s.Game.CurrentTeam) == 0 {
		return nil, s, ErrEmptyTeam
	}

	ns := s
	ns.Game = s.Game.Clone()
	ns.Game.Phase = game.PhaseTeamVote
	ns.Game.VotesReceived = 0
	ns.TeamBallots = nil

	// The notice precedes the snapshot so clients reset their local
	// "have I voted" flag before re-rendering.
	effects := []Effect{
		Broadcast{Msg: protocol.NewStartTeamVote(slices.Clone(ns.Game.CurrentTeam))},
		syncAll(ns),
	}
	return effects, ns, nil
}

func applySubmitTeamVote(s State, msg protocol.Message, senderID string) ([]Effect, State, error) {
	if s.Game.Phase != game.PhaseTeamVote {
		return nil, s, ErrWrongPhase
	}
	voter, ok := s.Game.Player(senderID)
	if !ok {
		return nil, s, ErrUnknownSender
	}
	if slices.ContainsFunc(s.TeamBallots, func(b game.TeamBallot) bool { return b.PlayerID == senderID }) {
		return nil, s, ErrDuplicateBallot
	}
	var p protocol.SubmitTeamVotePayload
	if err := protocol.Decode(msg, &p); err != nil {
		return nil, s, ErrBadPayload
	}
	if p.Vote != game.VoteAgree && p.Vote != game.VoteDisagree {
		return nil, s, ErrBadPayload
	}

	ns := s
	ns.Game = s.Game.Clone()
	ns.TeamBallots = append(slices.Clone(s.TeamBallots), game.TeamBallot{
		PlayerID:   senderID,
		PlayerName: voter.Name,
		Vote:       p.Vote,
	})
	ns.Game.VotesReceived = len(ns.TeamBallots)

	if len(ns.TeamBallots) >= len(ns.Game.Players) {
		return resolveTeamVote(ns)
	}
	return []Effect{syncAll(ns)}, ns, nil
}

// resolveTeamVote tallies the buffer. The team is approved unless at least
// half the players disagreed; ties favor approval.
func resolveTeamVote(ns State) ([]Effect, State, error) {
	agree, disagree := 0, 0
	for _, b := range ns.TeamBallots {
		if b.Vote == game.VoteAgree {
			agree++
		} else {
			disagree++
		}
	}
	approved := disagree*2 < len(ns.Game.Players)

	ns.Game.LastTeamVote = &game.TeamVoteResult{
		Team:          slices.Clone(ns.Game.CurrentTeam),
		Ballots:       slices.Clone(ns.TeamBallots),
		Approved:      approved,
		AgreeCount:    agree,
		DisagreeCount: disagree,
	}

	if approved {
		return startMissionVoting(ns)
	}
	return recordRejectedTeam(ns)
}

func startMissionVoting(ns State) ([]Effect, State, error) {
	ns.Game.Phase = game.PhaseMissionVoting
	ns.Game.VotesReceived = 0
	ns.MissionBallots = nil
	ns.MissionVoters = nil
	ns.FlavorText = ""

	round := ns.Game.RoundNumber()
	names := make([]string, 0, len(ns.Game.CurrentTeam))
	for _, id := range ns.Game.CurrentTeam {
		if p, ok := ns.Game.Player(id); ok {
			names = append(names, p.Name)
		}
	}

	// Phase advances without waiting on narration; the text follows in a
	// MISSION_FLAVOR message once generation resolves.
	effects := []Effect{
		Broadcast{Msg: protocol.NewStartMissionVote(round, "")},
		GenerateFlavor{RoundNumber: round, TeamNames: names},
		syncAll(ns),
	}
	return effects, ns, nil
}

func recordRejectedTeam(ns State) ([]Effect, State, error) {
	ns.Game.MissionHistory = prepend(ns.Game.MissionHistory, game.MissionResult{
		RoundNumber:  ns.Game.RoundNumber(),
		Team:         slices.Clone(ns.Game.CurrentTeam),
		TeamBallots:  slices.Clone(ns.TeamBallots),
		TeamApproved: false,
		Votes:        game.VoteCount{},
		Success:      nil,
		FlavorText:   "Team proposal was rejected.",
		Timestamp:    ns.now(),
	})
	ns.Game.Phase = game.PhaseResultReveal
	return []Effect{syncAll(ns)}, ns, nil
}

func applySubmitVote(s State, msg protocol.Message, senderID string) ([]Effect, State, error) {
	if s.Game.Phase != game.PhaseMissionVoting {
		return nil, s, ErrWrongPhase
	}
	// The anonymity boundary: only team members vote, and only the value is
	// recorded. The voter id goes into a separate dedupe set that is never
	// replicated or written into history.
	if !s.Game.OnTeam(senderID) {
		return nil, s, ErrNotOnTeam
	}
	if slices.Contains(s.MissionVoters, senderID) {
		return nil, s, ErrDuplicateBallot
	}
	var p protocol.SubmitVotePayload
	if err := protocol.Decode(msg, &p); err != nil {
		return nil, s, ErrBadPayload
	}
	if p.Vote != game.VoteApprove && p.Vote != game.VoteDisapprove {
		return nil, s, ErrBadPayload
	}

	ns := s
	ns.Game = s.Game.Clone()
	ns.MissionBallots = append(slices.Clone(s.MissionBallots), p.Vote)
	ns.MissionVoters = append(slices.Clone(s.MissionVoters), senderID)
	ns.Game.VotesReceived = len(ns.MissionBallots)

	if len(ns.MissionBallots) >= len(ns.Game.CurrentTeam) {
		return resolveMission(ns)
	}
	return []Effect{syncAll(ns)}, ns, nil
}

// resolveMission requires strict unanimity: a single DISAPPROVE fails the
// whole mission.
func resolveMission(ns State) ([]Effect, State, error) {
	approve, disapprove := 0, 0
	for _, v := range ns.MissionBallots {
		if v == game.VoteApprove {
			approve++
		} else {
			disapprove++
		}
	}
	success := disapprove == 0

	text := ns.FlavorText
	if text == "" {
		// Narration has not resolved yet; history still gets the template.
		text = flavor.Fallback(ns.Game.RoundNumber())
	}

	var ballots []game.TeamBallot
	if ns.Game.LastTeamVote != nil {
		ballots = slices.Clone(ns.Game.LastTeamVote.Ballots)
	}

	ns.Game.MissionHistory = prepend(ns.Game.MissionHistory, game.MissionResult{
		RoundNumber:  ns.Game.RoundNumber(),
		Team:         slices.Clone(ns.Game.CurrentTeam),
		TeamBallots:  ballots,
		TeamApproved: true,
		Votes:        game.VoteCount{Approve: approve, Disapprove: disapprove},
		Success:      &success,
		FlavorText:   text,
		Timestamp:    ns.now(),
	})
	ns.Game.Phase = game.PhaseResultReveal
	return []Effect{syncAll(ns)}, ns, nil
}

func applyResetRound(s State, senderID string) ([]Effect, State, error) {
	if senderID != s.Game.HostID() {
		return nil, s, ErrNotHost
	}
	ns := resetRound(s)
	return []Effect{syncAll(ns)}, ns, nil
}

func applyRestartGame(s State, senderID string) ([]Effect, State, error) {
	if senderID != s.Game.HostID() {
		return nil, s, ErrNotHost
	}
	ns := resetRound(s)
	ns.Game.MissionHistory = []game.MissionResult{}

	// The distinct notice lets clients tell a restart apart from an
	// ordinary next round.
	effects := []Effect{
		Broadcast{Msg: protocol.NewGameRestarted()},
		syncAll(ns),
	}
	return effects, ns, nil
}

// resetRound clears all round-scoped state atomically. Stale ballot buffers
// must never survive a phase boundary.
func resetRound(s State) State {
	ns := s
	ns.Game = s.Game.Clone()
	ns.Game.Phase = game.PhaseTeamSelection
	ns.Game.CurrentTeam = []string{}
	ns.Game.VotesReceived = 0
	ns.Game.LastTeamVote = nil
	ns.TeamBallots = nil
	ns.MissionBallots = nil
	ns.MissionVoters = nil
	ns.FlavorText = ""
	return ns
}

func applyRemovePlayer(s State, msg protocol.Message, senderID string) ([]Effect, State, error) {
	if senderID != s.Game.HostID() {
		return nil, s, ErrNotHost
	}
	var p protocol.RemovePlayerPayload
	if err := protocol.Decode(msg, &p); err != nil {
		return nil, s, ErrBadPayload
	}
	target, ok := s.Game.Player(p.PlayerID)
	if !ok {
		return nil, s, ErrUnknownPlayer
	}
	if target.IsHost {
		return nil, s, ErrHostImmune
	}

	ns := s
	ns.Game = s.Game.Clone()
	ns.Game.Players = slices.DeleteFunc(ns.Game.Players, func(pl game.Player) bool {
		return pl.ID == p.PlayerID
	})
	ns.Game.CurrentTeam = slices.DeleteFunc(ns.Game.CurrentTeam, func(id string) bool {
		return id == p.PlayerID
	})

	// KICKED is best-effort: if the connection is already dead the transport
	// drops it. History is immutable, so recorded ballots stay; only future
	// vote denominators shrink.
	effects := []Effect{
		Send{To: p.PlayerID, Msg: protocol.NewKicked()},
		ClosePeer{PeerID: p.PlayerID},
		syncAll(ns),
	}
	return effects, ns, nil
}

// syncAll is the snapshot broadcast that ends every state-changing
// transition. Full state, no deltas: clients can never apply a partial or
// out-of-order patch.
func syncAll(ns State) Effect {
	return Broadcast{Msg: protocol.NewSyncState(ns.Game.Clone())}
}

func prepend(history []game.MissionResult, r game.MissionResult) []game.MissionResult {
	out := make([]game.MissionResult, 0, len(history)+1)
	out = append(out, r)
	return append(out, history...)
}
