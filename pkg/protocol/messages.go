// Package protocol defines the closed set of messages exchanged between the
// host and its clients. Every message is a {type, payload} envelope; payloads
// are JSON so the same framing works over any transport.
//
// The sender's identity is never part of a payload. Transports report the
// peer id of the connection a message arrived on, and that out-of-band id is
// the only senderId the host will trust.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/peerparty/avalon/internal/game"
)

type Type string

const (
	// Client -> host.
	TypeJoin           Type = "JOIN"
	TypeUpdateTeam     Type = "UPDATE_TEAM"
	TypeStartVote      Type = "START_VOTE"
	TypeSubmitTeamVote Type = "SUBMIT_TEAM_VOTE"
	TypeSubmitVote     Type = "SUBMIT_VOTE"
	TypeResetRound     Type = "RESET_ROUND"
	TypeRestartGame    Type = "RESTART_GAME"
	TypeRemovePlayer   Type = "REMOVE_PLAYER"

	// Host -> client.
	TypeSyncState        Type = "SYNC_STATE"
	TypeStartTeamVote    Type = "START_TEAM_VOTE"
	TypeStartMissionVote Type = "START_MISSION_VOTE"
	TypeMissionFlavor    Type = "MISSION_FLAVOR"
	TypeKicked           Type = "KICKED"
	TypeGameRestarted    Type = "GAME_RESTARTED"
)

// Message is the wire envelope. Payload may be empty for messages that carry
// no data (START_VOTE, RESET_ROUND, RESTART_GAME, KICKED, GAME_RESTARTED).
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	Name        string `json:"name"`
	AvatarColor string `json:"avatarColor"`
}

type SyncStatePayload struct {
	State game.State `json:"state"`
}

type UpdateTeamPayload struct {
	Team []string `json:"team"`
}

type SubmitTeamVotePayload struct {
	Vote game.TeamVote `json:"vote"`
}

type SubmitVotePayload struct {
	Vote game.MissionVote `json:"vote"`
}

type RemovePlayerPayload struct {
	PlayerID string `json:"playerId"`
}

type StartTeamVotePayload struct {
	Team []string `json:"team"`
}

type StartMissionVotePayload struct {
	RoundNumber int    `json:"roundNumber"`
	FlavorText  string `json:"flavorText"`
}

type MissionFlavorPayload struct {
	RoundNumber int    `json:"roundNumber"`
	FlavorText  string `json:"flavorText"`
}

func mustMessage(t Type, payload any) Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload types are plain data structs; marshalling cannot fail.
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
	}
	return Message{Type: t, Payload: raw}
}

func NewJoin(name, avatarColor string) Message {
	return mustMessage(TypeJoin, JoinPayload{Name: name, AvatarColor: avatarColor})
}

func NewSyncState(s game.State) Message {
	return mustMessage(TypeSyncState, SyncStatePayload{State: s})
}

func NewUpdateTeam(team []string) Message {
	return mustMessage(TypeUpdateTeam, UpdateTeamPayload{Team: team})
}

func NewStartVote() Message { return Message{Type: TypeStartVote} }

func NewSubmitTeamVote(v game.TeamVote) Message {
	return mustMessage(TypeSubmitTeamVote, SubmitTeamVotePayload{Vote: v})
}

func NewSubmitVote(v game.MissionVote) Message {
	return mustMessage(TypeSubmitVote, SubmitVotePayload{Vote: v})
}

func NewResetRound() Message { return Message{Type: TypeResetRound} }

func NewRestartGame() Message { return Message{Type: TypeRestartGame} }

func NewRemovePlayer(playerID string) Message {
	return mustMessage(TypeRemovePlayer, RemovePlayerPayload{PlayerID: playerID})
}

func NewStartTeamVote(team []string) Message {
	return mustMessage(TypeStartTeamVote, StartTeamVotePayload{Team: team})
}

func NewStartMissionVote(round int, flavorText string) Message {
	return mustMessage(TypeStartMissionVote, StartMissionVotePayload{RoundNumber: round, FlavorText: flavorText})
}

func NewMissionFlavor(round int, flavorText string) Message {
	return mustMessage(TypeMissionFlavor, MissionFlavorPayload{RoundNumber: round, FlavorText: flavorText})
}

func NewKicked() Message { return Message{Type: TypeKicked} }

func NewGameRestarted() Message { return Message{Type: TypeGameRestarted} }

// Decode unmarshals m.Payload into dst, which must be a pointer to the
// payload struct matching m.Type.
func Decode(m Message, dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("protocol: %s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Marshal frames a message for the wire.
func Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal parses a framed message. Unknown types are returned as-is; the
// receiver decides whether to ignore them.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: unmarshal message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("protocol: message missing type")
	}
	return m, nil
}
