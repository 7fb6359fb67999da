// Package protocol defines the JSON messages exchanged over a room socket.
package protocol

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"github.com/Karmagate/RoomSync/internal/machine"
	"github.com/Karmagate/RoomSync/internal/registry"
)

const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeCursorUpdate = "cursor_update"
	TypeState        = "state"
	TypePresence     = "presence"
	TypePlayerLeft   = "player_left"
	TypeError        = "error"
)

// Error codes sent in Error messages.
const (
	CodeProtocol     = "protocol_error"
	CodeUnauthorized = "unauthorized"
	CodeInvalid      = "invalid_action"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
)

var ErrMalformed = errors.New("malformed message")

// Inbound is the envelope of every client message. Which fields matter
// depends on Type.
type Inbound struct {
	Type     string          `json:"type"`
	PlayerID string          `json:"playerId"`
	X        *float64        `json:"x"`
	Y        *float64        `json:"y"`
	Data     json.RawMessage `json:"data"`
}

func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := sonic.ConfigFastest.Unmarshal(data, &in); err != nil {
		return Inbound{}, errors.Wrapf(ErrMalformed, "%v", err)
	}
	if in.Type == "" {
		return Inbound{}, errors.Wrap(ErrMalformed, "missing type")
	}
	if in.Type == TypeCursorUpdate && (in.X == nil || in.Y == nil) {
		return Inbound{}, errors.Wrap(ErrMalformed, "cursor_update needs x and y")
	}
	return in, nil
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type Cursor struct {
	Type string `json:"type"`
	registry.Cursor
}

type State struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Kind    string          `json:"kind"`
	Status  machine.Status  `json:"status"`
	Version uint64          `json:"version"`
	State   json.RawMessage `json:"state"`
}

type Presence struct {
	Type       string   `json:"type"`
	Players    []string `json:"players"`
	Spectators int      `json:"spectators"`
}

type PlayerLeft struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

func NewPong(ts int64) Pong {
	return Pong{Type: TypePong, Timestamp: ts}
}

func NewCursor(c registry.Cursor) Cursor {
	return Cursor{Type: TypeCursorUpdate, Cursor: c}
}

func NewState(room string, snap machine.Snapshot) State {
	return State{
		Type:    TypeState,
		Room:    room,
		Kind:    snap.Kind,
		Status:  snap.Status,
		Version: snap.Version,
		State:   snap.State,
	}
}

func NewPresence(players []string, spectators int) Presence {
	if players == nil {
		players = []string{}
	}
	return Presence{Type: TypePresence, Players: players, Spectators: spectators}
}

func NewPlayerLeft(playerID string) PlayerLeft {
	return PlayerLeft{Type: TypePlayerLeft, PlayerID: playerID}
}

func NewError(code, message, actionType string) Error {
	return Error{Type: TypeError, Code: code, Message: message, Action: actionType}
}

// Encode serializes an outbound message.
func Encode(msg any) ([]byte, error) {
	b, err := sonic.ConfigFastest.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return b, nil
}
