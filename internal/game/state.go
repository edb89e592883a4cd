// Package game holds the replicated match state. The canonical copy lives
// on the host; clients only ever hold values received via SYNC_STATE.
package game

import (
	"slices"
	"time"
)

type Phase string

const (
	// PhaseLobby exists only before the host's transport has opened.
	PhaseLobby         Phase = "LOBBY"
	PhaseTeamSelection Phase = "TEAM_SELECTION"
	PhaseTeamVote      Phase = "TEAM_VOTE"
	PhaseMissionVoting Phase = "MISSION_VOTING"
	PhaseResultReveal  Phase = "RESULT_REVEAL"
)

// TeamVote is a ballot on the proposed team. Team votes are attributable:
// the voter's identity is kept alongside the value.
type TeamVote string

const (
	VoteAgree    TeamVote = "AGREE"
	VoteDisagree TeamVote = "DISAGREE"
)

// MissionVote is a ballot on the mission itself. Mission votes are anonymous:
// only the value is ever recorded or replicated.
type MissionVote string

const (
	VoteApprove    MissionVote = "APPROVE"
	VoteDisapprove MissionVote = "DISAPPROVE"
)

type Player struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AvatarColor string `json:"avatarColor"`
	IsHost      bool   `json:"isHost"`
	IsConnected bool   `json:"isConnected"`
}

// TeamBallot is one attributable team-approval vote.
type TeamBallot struct {
	PlayerID   string   `json:"playerId"`
	PlayerName string   `json:"playerName"`
	Vote       TeamVote `json:"vote"`
}

// VoteCount tallies an anonymous mission vote.
type VoteCount struct {
	Approve    int `json:"approve"`
	Disapprove int `json:"disapprove"`
}

// TeamVoteResult snapshots the most recent team-approval tally. Cleared at
// the start of each new round.
type TeamVoteResult struct {
	Team          []string     `json:"team"`
	Ballots       []TeamBallot `json:"votes"`
	Approved      bool         `json:"approved"`
	AgreeCount    int          `json:"agreeCount"`
	DisagreeCount int          `json:"disagreeCount"`
}

// MissionResult is immutable once appended to the history.
// Success is nil when the team was rejected and no mission vote occurred.
type MissionResult struct {
	RoundNumber  int          `json:"roundNumber"`
	Team         []string     `json:"team"`
	TeamBallots  []TeamBallot `json:"teamVotes"`
	TeamApproved bool         `json:"teamApproved"`
	Votes        VoteCount    `json:"votes"`
	Success      *bool        `json:"success"`
	FlavorText   string       `json:"flavorText"`
	Timestamp    time.Time    `json:"timestamp"`
}

// State is the single replicated aggregate. MissionHistory is newest-first.
type State struct {
	Phase          Phase           `json:"phase"`
	Players        []Player        `json:"players"`
	CurrentTeam    []string        `json:"currentTeam"`
	VotesReceived  int             `json:"votesReceived"`
	MissionHistory []MissionResult `json:"missionHistory"`
	LastTeamVote   *TeamVoteResult `json:"lastTeamVote,omitempty"`
	RoomID         string          `json:"roomId"`
}

// New returns the state a freshly opened room starts in: the host is the
// sole player and team selection is open.
func New(hostID, hostName, avatarColor string) State {
	return State{
		Phase: PhaseTeamSelection,
		Players: []Player{{
			ID:          hostID,
			Name:        hostName,
			AvatarColor: avatarColor,
			IsHost:      true,
			IsConnected: true,
		}},
		CurrentTeam:    []string{},
		MissionHistory: []MissionResult{},
		RoomID:         hostID,
	}
}

// Player returns the player with the given id.
func (s State) Player(id string) (Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// HasPlayer reports whether id belongs to a current player.
func (s State) HasPlayer(id string) bool {
	_, ok := s.Player(id)
	return ok
}

// HostID returns the id of the room's host.
func (s State) HostID() string {
	for _, p := range s.Players {
		if p.IsHost {
			return p.ID
		}
	}
	return ""
}

// OnTeam reports whether id is part of the currently proposed team.
func (s State) OnTeam(id string) bool {
	return slices.Contains(s.CurrentTeam, id)
}

// RoundNumber is the number the next appended MissionResult will carry.
// Rounds are numbered contiguously from 1.
func (s State) RoundNumber() int {
	return len(s.MissionHistory) + 1
}

// Clone returns a deep copy. Snapshots handed to the transport must not
// alias slices the host keeps mutating.
func (s State) Clone() State {
	c := s
	c.Players = slices.Clone(s.Players)
	c.CurrentTeam = slices.Clone(s.CurrentTeam)
	c.MissionHistory = make([]MissionResult, len(s.MissionHistory))
	for i, r := range s.MissionHistory {
		c.MissionHistory[i] = r.clone()
	}
	if s.LastTeamVote != nil {
		lv := *s.LastTeamVote
		lv.Team = slices.Clone(s.LastTeamVote.Team)
		lv.Ballots = slices.Clone(s.LastTeamVote.Ballots)
		c.LastTeamVote = &lv
	}
	return c
}

func (r MissionResult) clone() MissionResult {
	c := r
	c.Team = slices.Clone(r.Team)
	c.TeamBallots = slices.Clone(r.TeamBallots)
	if r.Success != nil {
		v := *r.Success
		c.Success = &v
	}
	return c
}
