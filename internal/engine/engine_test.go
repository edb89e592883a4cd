package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/peerparty/avalon/internal/game"
	"github.com/peerparty/avalon/pkg/protocol"
)

// helper: run one message through the reducer, failing the test on rejection
func apply(t *testing.T, s State, msg protocol.Message, sender string) ([]Effect, State) {
	t.Helper()
	effects, ns, err := Apply(s, msg, sender)
	if err != nil {
		t.Fatalf("apply %s as %s: %v", msg.Type, sender, err)
	}
	return effects, ns
}

// newRoom builds a room with the host plus n-1 joined players p1..p(n-1).
func newRoom(n int) State {
	s := NewState("host", "Host", "#e74c3c")
	s.Now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	for i := 1; i < n; i++ {
		id := fmt.Sprintf("p%d", i)
		_, s, _ = Apply(s, protocol.NewJoin("Player "+id, "#3498db"), id)
	}
	return s
}

func lastSync(t *testing.T, effects []Effect) game.State {
	t.Helper()
	for i := len(effects) - 1; i >= 0; i-- {
		b, ok := effects[i].(Broadcast)
		if !ok || b.Msg.Type != protocol.TypeSyncState {
			continue
		}
		var p protocol.SyncStatePayload
		if err := protocol.Decode(b.Msg, &p); err != nil {
			t.Fatalf("decode sync payload: %v", err)
		}
		return p.State
	}
	t.Fatalf("no snapshot broadcast in effects: %+v", effects)
	return game.State{}
}

func hasBroadcast(effects []Effect, mt protocol.Type) bool {
	for _, e := range effects {
		if b, ok := e.(Broadcast); ok && b.Msg.Type == mt {
			return true
		}
	}
	return false
}

// teamVote drives a full TEAM_VOTE sub-phase: everyone votes, the last n
// voters disagree.
func teamVote(t *testing.T, s State, disagree int) ([]Effect, State) {
	t.Helper()
	var effects []Effect
	for i, p := range s.Game.Players {
		v := game.VoteAgree
		if i >= len(s.Game.Players)-disagree {
			v = game.VoteDisagree
		}
		effects, s = apply(t, s, protocol.NewSubmitTeamVote(v), p.ID)
	}
	return effects, s
}

func TestJoin(t *testing.T) {
	s := newRoom(1)

	effects, ns := apply(t, s, protocol.NewJoin("  Alice  ", "#2ecc71"), "p1")
	if len(ns.Game.Players) != 2 {
		t.Fatalf("want 2 players, got %d", len(ns.Game.Players))
	}
	p, _ := ns.Game.Player("p1")
	if p.Name != "Alice" {
		t.Fatalf("name not normalized: %q", p.Name)
	}
	if p.IsHost {
		t.Fatalf("joiner must not be host")
	}

	// direct snapshot to the joiner plus the usual broadcast
	send, ok := effects[0].(Send)
	if !ok || send.To != "p1" || send.Msg.Type != protocol.TypeSyncState {
		t.Fatalf("expected direct snapshot to joiner, got %+v", effects[0])
	}
	if !hasBroadcast(effects, protocol.TypeSyncState) {
		t.Fatalf("expected snapshot broadcast")
	}

	// retrying the same JOIN must change nothing
	_, again, err := Apply(ns, protocol.NewJoin("Alice", "#2ecc71"), "p1")
	if !errors.Is(err, ErrDuplicateJoin) {
		t.Fatalf("want ErrDuplicateJoin, got %v", err)
	}
	if len(again.Game.Players) != 2 {
		t.Fatalf("duplicate join changed state")
	}
}

func TestUpdateTeamFiltersUnknownAndDuplicateIDs(t *testing.T) {
	s := newRoom(3)

	effects, ns := apply(t, s, protocol.NewUpdateTeam([]string{"p1", "ghost", "p1", "host"}), "host")
	want := []string{"p1", "host"}
	if len(ns.Game.CurrentTeam) != 2 || ns.Game.CurrentTeam[0] != want[0] || ns.Game.CurrentTeam[1] != want[1] {
		t.Fatalf("want team %v, got %v", want, ns.Game.CurrentTeam)
	}
	if got := lastSync(t, effects).CurrentTeam; len(got) != 2 {
		t.Fatalf("snapshot carries unfiltered team: %v", got)
	}
}

func TestStartVote(t *testing.T) {
	s := newRoom(2)

	if _, _, err := Apply(s, protocol.NewStartVote(), "host"); !errors.Is(err, ErrEmptyTeam) {
		t.Fatalf("want ErrEmptyTeam, got %v", err)
	}

	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1"}), "host")
	effects, ns := apply(t, s, protocol.NewStartVote(), "host")
	if ns.Game.Phase != game.PhaseTeamVote {
		t.Fatalf("want TEAM_VOTE, got %s", ns.Game.Phase)
	}
	if !hasBroadcast(effects, protocol.TypeStartTeamVote) {
		t.Fatalf("expected START_TEAM_VOTE notice")
	}

	// a second START_VOTE is a stale duplicate
	if _, _, err := Apply(ns, protocol.NewStartVote(), "host"); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("want ErrWrongPhase, got %v", err)
	}
}

func TestTeamVoteThreshold(t *testing.T) {
	cases := []struct {
		name     string
		players  int
		disagree int
		approved bool
	}{
		{"unanimous approval", 3, 0, true},
		{"2 of 5 disagree, tie-adjacent, approved", 5, 2, true},
		{"3 of 5 disagree, rejected", 5, 3, false},
		{"exact half of 4 disagree, rejected", 4, 2, false},
		{"1 of 4 disagree, approved", 4, 1, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newRoom(tc.players)
			_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1", "host"}), "host")
			_, s = apply(t, s, protocol.NewStartVote(), "host")

			effects, ns := teamVote(t, s, tc.disagree)

			if ns.Game.LastTeamVote == nil {
				t.Fatalf("LastTeamVote not recorded")
			}
			if ns.Game.LastTeamVote.Approved != tc.approved {
				t.Fatalf("want approved=%v, got %v", tc.approved, ns.Game.LastTeamVote.Approved)
			}

			if tc.approved {
				if ns.Game.Phase != game.PhaseMissionVoting {
					t.Fatalf("want MISSION_VOTING, got %s", ns.Game.Phase)
				}
				if !hasBroadcast(effects, protocol.TypeStartMissionVote) {
					t.Fatalf("expected START_MISSION_VOTE notice")
				}
				return
			}

			if ns.Game.Phase != game.PhaseResultReveal {
				t.Fatalf("want RESULT_REVEAL, got %s", ns.Game.Phase)
			}
			if len(ns.Game.MissionHistory) != 1 {
				t.Fatalf("rejected team must be recorded in history")
			}
			rec := ns.Game.MissionHistory[0]
			if rec.Success != nil {
				t.Fatalf("rejected team must record Success=nil, got %v", *rec.Success)
			}
			if rec.TeamApproved {
				t.Fatalf("rejected team recorded as approved")
			}
			if rec.FlavorText != "Team proposal was rejected." {
				t.Fatalf("unexpected flavor: %q", rec.FlavorText)
			}
		})
	}
}

func TestMissionUnanimity(t *testing.T) {
	cases := []struct {
		name    string
		votes   []game.MissionVote
		success bool
	}{
		{"all approve", []game.MissionVote{game.VoteApprove, game.VoteApprove}, true},
		{"one disapprove fails", []game.MissionVote{game.VoteApprove, game.VoteDisapprove}, false},
		{"all disapprove fails", []game.MissionVote{game.VoteDisapprove, game.VoteDisapprove}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newRoom(3)
			_, s = apply(t, s, protocol.NewUpdateTeam([]string{"host", "p1"}), "host")
			_, s = apply(t, s, protocol.NewStartVote(), "host")
			_, s = teamVote(t, s, 0)

			team := []string{"host", "p1"}
			var ns State
			for i, v := range tc.votes {
				_, ns = apply(t, s, protocol.NewSubmitVote(v), team[i])
				s = ns
			}

			if ns.Game.Phase != game.PhaseResultReveal {
				t.Fatalf("want RESULT_REVEAL, got %s", ns.Game.Phase)
			}
			rec := ns.Game.MissionHistory[0]
			if rec.Success == nil || *rec.Success != tc.success {
				t.Fatalf("want success=%v, got %v", tc.success, rec.Success)
			}
			if !rec.TeamApproved {
				t.Fatalf("mission record must carry team approval")
			}
			if rec.RoundNumber != 1 {
				t.Fatalf("want round 1, got %d", rec.RoundNumber)
			}
			if rec.Votes.Approve+rec.Votes.Disapprove != len(tc.votes) {
				t.Fatalf("tally does not cover all ballots: %+v", rec.Votes)
			}
		})
	}
}

func TestMissionVoteGuards(t *testing.T) {
	s := newRoom(3)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"host", "p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")
	_, s = teamVote(t, s, 0)

	// p2 is not on the team
	if _, _, err := Apply(s, protocol.NewSubmitVote(game.VoteApprove), "p2"); !errors.Is(err, ErrNotOnTeam) {
		t.Fatalf("want ErrNotOnTeam, got %v", err)
	}

	_, s = apply(t, s, protocol.NewSubmitVote(game.VoteApprove), "p1")
	if _, _, err := Apply(s, protocol.NewSubmitVote(game.VoteDisapprove), "p1"); !errors.Is(err, ErrDuplicateBallot) {
		t.Fatalf("want ErrDuplicateBallot, got %v", err)
	}
}

func TestTeamVoteGuards(t *testing.T) {
	s := newRoom(3)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1"}), "host")

	// voting before the sub-phase opens
	if _, _, err := Apply(s, protocol.NewSubmitTeamVote(game.VoteAgree), "p1"); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("want ErrWrongPhase, got %v", err)
	}

	_, s = apply(t, s, protocol.NewStartVote(), "host")

	if _, _, err := Apply(s, protocol.NewSubmitTeamVote(game.TeamVote("MAYBE")), "p1"); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("want ErrBadPayload, got %v", err)
	}
	if _, _, err := Apply(s, protocol.NewSubmitTeamVote(game.VoteAgree), "ghost"); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("want ErrUnknownSender, got %v", err)
	}

	_, s = apply(t, s, protocol.NewSubmitTeamVote(game.VoteAgree), "p1")
	if s.Game.VotesReceived != 1 {
		t.Fatalf("want VotesReceived=1, got %d", s.Game.VotesReceived)
	}
	if _, _, err := Apply(s, protocol.NewSubmitTeamVote(game.VoteDisagree), "p1"); !errors.Is(err, ErrDuplicateBallot) {
		t.Fatalf("want ErrDuplicateBallot, got %v", err)
	}
}

func TestResolutionFiresExactlyOnce(t *testing.T) {
	s := newRoom(2)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")
	_, s = teamVote(t, s, 0)
	_, s = apply(t, s, protocol.NewSubmitVote(game.VoteApprove), "p1")

	if s.Game.Phase != game.PhaseResultReveal {
		t.Fatalf("mission did not resolve")
	}
	// a straggler ballot after resolution is a silent no-op
	if _, _, err := Apply(s, protocol.NewSubmitVote(game.VoteApprove), "p1"); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("want ErrWrongPhase, got %v", err)
	}
	if len(s.Game.MissionHistory) != 1 {
		t.Fatalf("want exactly one history entry, got %d", len(s.Game.MissionHistory))
	}
}

func TestRemovePlayer(t *testing.T) {
	s := newRoom(3)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1", "p2"}), "host")

	if _, _, err := Apply(s, protocol.NewRemovePlayer("p2"), "p1"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("want ErrNotHost, got %v", err)
	}
	if _, _, err := Apply(s, protocol.NewRemovePlayer("host"), "host"); !errors.Is(err, ErrHostImmune) {
		t.Fatalf("want ErrHostImmune, got %v", err)
	}
	if _, _, err := Apply(s, protocol.NewRemovePlayer("ghost"), "host"); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("want ErrUnknownPlayer, got %v", err)
	}

	effects, ns := apply(t, s, protocol.NewRemovePlayer("p2"), "host")
	if ns.Game.HasPlayer("p2") {
		t.Fatalf("p2 still present")
	}
	if ns.Game.OnTeam("p2") {
		t.Fatalf("p2 still on proposed team")
	}

	send, ok := effects[0].(Send)
	if !ok || send.To != "p2" || send.Msg.Type != protocol.TypeKicked {
		t.Fatalf("expected KICKED to p2 first, got %+v", effects[0])
	}
	if cp, ok := effects[1].(ClosePeer); !ok || cp.PeerID != "p2" {
		t.Fatalf("expected ClosePeer p2, got %+v", effects[1])
	}
	if len(lastSync(t, effects).Players) != 2 {
		t.Fatalf("snapshot still lists removed player")
	}
}

func TestRemovalDoesNotRewriteHistory(t *testing.T) {
	s := newRoom(3)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")
	_, s = teamVote(t, s, 0)
	_, s = apply(t, s, protocol.NewSubmitVote(game.VoteApprove), "p1")

	_, s = apply(t, s, protocol.NewRemovePlayer("p1"), "host")

	rec := s.Game.MissionHistory[0]
	if len(rec.Team) != 1 || rec.Team[0] != "p1" {
		t.Fatalf("history team rewritten: %v", rec.Team)
	}
	found := false
	for _, b := range rec.TeamBallots {
		if b.PlayerID == "p1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("history ballots rewritten: %+v", rec.TeamBallots)
	}
}

func TestResetRoundAndRestart(t *testing.T) {
	s := newRoom(2)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")
	_, s = teamVote(t, s, 0)
	_, s = apply(t, s, protocol.NewSubmitVote(game.VoteApprove), "p1")

	if _, _, err := Apply(s, protocol.NewResetRound(), "p1"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("want ErrNotHost, got %v", err)
	}

	_, next := apply(t, s, protocol.NewResetRound(), "host")
	if next.Game.Phase != game.PhaseTeamSelection {
		t.Fatalf("want TEAM_SELECTION, got %s", next.Game.Phase)
	}
	if len(next.Game.CurrentTeam) != 0 || next.Game.VotesReceived != 0 || next.Game.LastTeamVote != nil {
		t.Fatalf("round state not cleared: %+v", next.Game)
	}
	if next.TeamBallots != nil || next.MissionBallots != nil || next.MissionVoters != nil || next.FlavorText != "" {
		t.Fatalf("ballot buffers not cleared")
	}
	if len(next.Game.MissionHistory) != 1 {
		t.Fatalf("next round must keep history")
	}
	if next.Game.RoundNumber() != 2 {
		t.Fatalf("want round 2, got %d", next.Game.RoundNumber())
	}

	effects, restarted := apply(t, s, protocol.NewRestartGame(), "host")
	if len(restarted.Game.MissionHistory) != 0 {
		t.Fatalf("restart must clear history")
	}
	if !hasBroadcast(effects, protocol.TypeGameRestarted) {
		t.Fatalf("expected GAME_RESTARTED notice")
	}
}

func TestApplyFlavor(t *testing.T) {
	s := newRoom(2)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")
	_, s = teamVote(t, s, 0)

	effects, ns, err := ApplyFlavor(s, 1, "The vault doors open.")
	if err != nil {
		t.Fatalf("ApplyFlavor: %v", err)
	}
	if ns.FlavorText != "The vault doors open." {
		t.Fatalf("flavor not stored")
	}
	if !hasBroadcast(effects, protocol.TypeMissionFlavor) {
		t.Fatalf("expected MISSION_FLAVOR broadcast")
	}

	// resolve the mission, then a late narration for round 1 must be dropped
	_, s = apply(t, ns, protocol.NewSubmitVote(game.VoteApprove), "p1")
	if _, _, err := ApplyFlavor(s, 1, "too late"); !errors.Is(err, ErrStaleFlavor) {
		t.Fatalf("want ErrStaleFlavor, got %v", err)
	}
	if s.Game.MissionHistory[0].FlavorText != "The vault doors open." {
		t.Fatalf("resolved flavor not written to history: %q", s.Game.MissionHistory[0].FlavorText)
	}

	// wrong round number is equally stale
	if _, _, err := ApplyFlavor(s, 7, "wrong round"); !errors.Is(err, ErrStaleFlavor) {
		t.Fatalf("want ErrStaleFlavor, got %v", err)
	}
}

func TestMissionFallbackFlavorWhenGenerationLate(t *testing.T) {
	s := newRoom(2)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")
	_, s = teamVote(t, s, 0)

	// mission resolves before any narration arrived
	_, s = apply(t, s, protocol.NewSubmitVote(game.VoteApprove), "p1")
	got := s.Game.MissionHistory[0].FlavorText
	if got != "Mission 1: classified operations in progress." {
		t.Fatalf("want fallback flavor, got %q", got)
	}
}

func TestApplyNeverMutatesInput(t *testing.T) {
	s := newRoom(3)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"host", "p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")

	before, err := json.Marshal(s.Game)
	if err != nil {
		t.Fatal(err)
	}
	ballotsBefore := len(s.TeamBallots)

	msgs := []struct {
		msg    protocol.Message
		sender string
	}{
		{protocol.NewSubmitTeamVote(game.VoteAgree), "p1"},
		{protocol.NewSubmitTeamVote(game.VoteDisagree), "p2"},
		{protocol.NewJoin("Late", "#fff"), "p9"},
	}
	for _, m := range msgs {
		if _, _, err := Apply(s, m.msg, m.sender); err != nil {
			t.Fatalf("apply %s: %v", m.msg.Type, err)
		}
	}

	after, err := json.Marshal(s.Game)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("input state mutated:\nbefore %s\nafter  %s", before, after)
	}
	if len(s.TeamBallots) != ballotsBefore {
		t.Fatalf("input ballot buffer mutated")
	}
}

func TestSnapshotNeverLeaksMissionVoterIdentity(t *testing.T) {
	s := newRoom(3)
	_, s = apply(t, s, protocol.NewUpdateTeam([]string{"host", "p1"}), "host")
	_, s = apply(t, s, protocol.NewStartVote(), "host")
	_, s = teamVote(t, s, 0)

	effects, _ := apply(t, s, protocol.NewSubmitVote(game.VoteDisapprove), "p1")
	raw, err := json.Marshal(lastSync(t, effects))
	if err != nil {
		t.Fatal(err)
	}
	// the snapshot may name p1 as a player and team member, but nothing may
	// pair the id with the DISAPPROVE value
	var snap map[string]any
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatal(err)
	}
	if snap["votesReceived"] != float64(1) {
		t.Fatalf("want votesReceived=1, got %v", snap["votesReceived"])
	}
}
