package main

import (
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/Karmagate/RoomSync/internal/action"
	"github.com/Karmagate/RoomSync/internal/batcher"
	"github.com/Karmagate/RoomSync/internal/game"
	"github.com/Karmagate/RoomSync/internal/machine"
	"github.com/Karmagate/RoomSync/internal/protocol"
	"github.com/Karmagate/RoomSync/internal/store"
)

func newTestRoom(t *testing.T, kind string, cfg *Config, st store.Store, trustClaims bool) *Room {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if st == nil {
		st = store.NewMemory()
	}
	room, err := NewRoom(t.Context(), "room-1", kind, cfg, st, trustClaims)
	if err != nil {
		t.Fatalf("NewRoom failed: %v", err)
	}
	t.Cleanup(room.Close)
	return room
}

func newTestClient() *Client {
	return &Client{send: make(chan []byte, 64)}
}

// join adds a client to room and binds it to playerID.
func join(t *testing.T, room *Room, playerID string) *Client {
	t.Helper()
	c := newTestClient()
	room.Add(c)
	room.Handle(c, []byte(`{"type":"ping","playerId":"`+playerID+`"}`))
	expect(t, c, protocol.TypePong)
	return c
}

func messageType(t *testing.T, msg []byte) string {
	t.Helper()
	var head struct {
		Type string `json:"type"`
	}
	if err := sonic.ConfigFastest.Unmarshal(msg, &head); err != nil {
		t.Fatalf("bad outbound message %s: %v", msg, err)
	}
	return head.Type
}

// expect skips messages until one of type typ arrives.
func expect(t *testing.T, c *Client, typ string) []byte {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if messageType(t, msg) == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message received", typ)
			return nil
		}
	}
}

func expectError(t *testing.T, c *Client, code string) protocol.Error {
	t.Helper()
	var e protocol.Error
	if err := sonic.ConfigFastest.Unmarshal(expect(t, c, protocol.TypeError), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != code {
		t.Fatalf("error code = %q (%s), want %q", e.Code, e.Message, code)
	}
	return e
}

func expectState(t *testing.T, c *Client) protocol.State {
	t.Helper()
	var s protocol.State
	if err := sonic.ConfigFastest.Unmarshal(expect(t, c, protocol.TypeState), &s); err != nil {
		t.Fatal(err)
	}
	return s
}

// drain discards everything queued for c.
func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// assertQuiet fails if c receives a message of type typ.
func assertQuiet(t *testing.T, c *Client, typ string) {
	t.Helper()
	for {
		select {
		case msg := <-c.send:
			if messageType(t, msg) == typ {
				t.Fatalf("unexpected %s message: %s", typ, msg)
			}
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func decodeTable(t *testing.T, raw []byte) game.Table {
	t.Helper()
	var tb game.Table
	if err := sonic.ConfigFastest.Unmarshal(raw, &tb); err != nil {
		t.Fatal(err)
	}
	return tb
}

func TestRoom_AddSendsStateAndPresence(t *testing.T) {
	room := newTestRoom(t, game.KindGame, nil, nil, true)

	c := newTestClient()
	room.Add(c)

	s := expectState(t, c)
	if s.Kind != game.KindGame || s.Status != machine.StatusUninitialized {
		t.Errorf("state = %s/%s, want game/uninitialized", s.Kind, s.Status)
	}

	var p protocol.Presence
	if err := sonic.ConfigFastest.Unmarshal(expect(t, c, protocol.TypePresence), &p); err != nil {
		t.Fatal(err)
	}
	if p.Spectators != 1 || len(p.Players) != 0 {
		t.Errorf("presence = %+v, want one spectator", p)
	}
	if room.ClientCount() != 1 || room.Spectators() != 1 {
		t.Errorf("clients=%d spectators=%d, want 1/1", room.ClientCount(), room.Spectators())
	}
}

func TestRoom_PingBindsPlayer(t *testing.T) {
	room := newTestRoom(t, game.KindPresence, nil, nil, true)

	watcher := newTestClient()
	room.Add(watcher)
	c := join(t, room, "p1")

	if room.Spectators() != 1 {
		t.Errorf("spectators = %d, want 1", room.Spectators())
	}

	var p protocol.Presence
	for {
		if err := sonic.ConfigFastest.Unmarshal(expect(t, watcher, protocol.TypePresence), &p); err != nil {
			t.Fatal(err)
		}
		if len(p.Players) > 0 {
			break
		}
	}
	if p.Players[0] != "p1" || p.Spectators != 1 {
		t.Errorf("presence = %+v, want p1 bound and one spectator", p)
	}

	// A repeated ping keeps the binding.
	room.Handle(c, []byte(`{"type":"ping","playerId":"p1"}`))
	expect(t, c, protocol.TypePong)
	if room.Spectators() != 1 {
		t.Errorf("spectators after second ping = %d, want 1", room.Spectators())
	}
}

func TestRoom_UntrustedPingStaysSpectator(t *testing.T) {
	room := newTestRoom(t, game.KindPresence, nil, nil, false)

	c := newTestClient()
	room.Add(c)
	room.Handle(c, []byte(`{"type":"ping","playerId":"p1"}`))
	expect(t, c, protocol.TypePong)

	if room.Spectators() != 1 {
		t.Errorf("spectators = %d, want 1", room.Spectators())
	}

	room.Handle(c, []byte(`{"type":"join","playerId":"p1","data":{"name":"One"}}`))
	expectError(t, c, protocol.CodeUnauthorized)
}

func TestRoom_TokenIdentity(t *testing.T) {
	room := newTestRoom(t, game.KindPresence, nil, nil, false)

	c := newTestClient()
	c.identity = "p1"
	room.Add(c)

	room.Handle(c, []byte(`{"type":"ping","playerId":"p2"}`))
	e := expectError(t, c, protocol.CodeUnauthorized)
	if e.Action != protocol.TypePing {
		t.Errorf("error action = %q, want ping", e.Action)
	}

	room.Handle(c, []byte(`{"type":"ping"}`))
	expect(t, c, protocol.TypePong)
	if id, ok := room.registry.Resolve(c.connID); !ok || id != "p1" {
		t.Errorf("binding = %q/%v, want p1", id, ok)
	}
}

func TestRoom_CursorRelay(t *testing.T) {
	room := newTestRoom(t, game.KindPresence, nil, nil, true)

	c1 := join(t, room, "p1")
	c2 := join(t, room, "p2")
	drain(c1)
	drain(c2)

	room.Handle(c1, []byte(`{"type":"cursor_update","x":10,"y":20}`))

	var cur protocol.Cursor
	if err := sonic.ConfigFastest.Unmarshal(expect(t, c2, protocol.TypeCursorUpdate), &cur); err != nil {
		t.Fatal(err)
	}
	if cur.PlayerID != "p1" || cur.X != 10 || cur.Y != 20 {
		t.Errorf("cursor = %+v, want p1 at 10,20", cur.Cursor)
	}
	assertQuiet(t, c1, protocol.TypeCursorUpdate)

	// Within the interval the next update is dropped.
	room.Handle(c1, []byte(`{"type":"cursor_update","x":11,"y":21}`))
	assertQuiet(t, c2, protocol.TypeCursorUpdate)

	spectator := newTestClient()
	room.Add(spectator)
	room.Handle(spectator, []byte(`{"type":"cursor_update","x":1,"y":1}`))
	expectError(t, spectator, protocol.CodeUnauthorized)
}

func TestRoom_ProtocolErrors(t *testing.T) {
	room := newTestRoom(t, game.KindGame, nil, nil, true)
	c := join(t, room, "p1")

	tests := []struct {
		name   string
		msg    string
		action string
	}{
		{"not json", `{{{`, ""},
		{"missing type", `{"playerId":"p1"}`, ""},
		{"cursor without position", `{"type":"cursor_update","x":1}`, ""},
		{"unknown type", `{"type":"fly"}`, "fly"},
		{"bad payload", `{"type":"card_draw","data":{"count":"many"}}`, "card_draw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room.Handle(c, []byte(tt.msg))
			e := expectError(t, c, protocol.CodeProtocol)
			if e.Action != tt.action {
				t.Errorf("action = %q, want %q", e.Action, tt.action)
			}
		})
	}
}

func TestRoom_ActionBeforeInit(t *testing.T) {
	room := newTestRoom(t, game.KindGame, nil, nil, true)
	c := join(t, room, "p1")

	room.Handle(c, []byte(`{"type":"card_draw","data":{"count":1}}`))
	expectError(t, c, protocol.CodeInvalid)
}

func TestRoom_SpoofedPlayerIDIsIgnored(t *testing.T) {
	room := newTestRoom(t, game.KindGame, nil, nil, true)

	c1 := join(t, room, "p1")
	c2 := join(t, room, "p2")

	room.Handle(c1, []byte(`{"type":"join","data":{"name":"One","deck":["Forest"]}}`))
	expectState(t, c2)
	room.Handle(c2, []byte(`{"type":"join","data":{"name":"Two","deck":["Island"]}}`))
	expectState(t, c1)

	before, err := room.engine.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	drain(c1)
	drain(c2)

	// p2 claims to be p1 to move p1's card.
	room.Handle(c2, []byte(`{"type":"card_move","playerId":"p1","data":{"cardId":"p1/0","zone":"battlefield","final":true}}`))
	expectError(t, c2, protocol.CodeUnauthorized)
	assertQuiet(t, c1, protocol.TypeState)

	after, err := room.engine.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if after.Version != before.Version || string(after.State) != string(before.State) {
		t.Error("rejected move changed the state")
	}
}

func TestRoom_DragStreamIsBatched(t *testing.T) {
	cfg := testConfig()
	cfg.FlushDelay = time.Minute
	room := newTestRoom(t, game.KindGame, cfg, nil, true)

	c := join(t, room, "p1")
	room.Handle(c, []byte(`{"type":"join","data":{"deck":["Forest","Bear"]}}`))
	joined := expectState(t, c)

	for _, x := range []string{"1", "2", "3"} {
		room.Handle(c, []byte(`{"type":"card_move","data":{"cardId":"p1/0","zone":"battlefield","x":`+x+`,"y":5}}`))
	}
	if n := room.batcher.Pending(room.id); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}
	assertQuiet(t, c, protocol.TypeState)

	room.Handle(c, []byte(`{"type":"card_move","data":{"cardId":"p1/0","zone":"battlefield","x":4,"y":5,"final":true}}`))
	if n := room.batcher.Pending(room.id); n != 0 {
		t.Errorf("pending after final move = %d, want 0", n)
	}

	s := expectState(t, c)
	if s.Version != joined.Version+4 {
		t.Errorf("version = %d, want %d", s.Version, joined.Version+4)
	}
	card := decodeTable(t, s.State).Cards["p1/0"]
	if card.Zone != "battlefield" || card.X != 4 {
		t.Errorf("card = %+v, want on battlefield at x=4", card)
	}
}

func TestRoom_TimerFlush(t *testing.T) {
	cfg := testConfig()
	cfg.FlushDelay = 10 * time.Millisecond
	room := newTestRoom(t, game.KindGame, cfg, nil, true)

	c := join(t, room, "p1")
	room.Handle(c, []byte(`{"type":"join","data":{"deck":["Forest"]}}`))
	expectState(t, c)

	room.Handle(c, []byte(`{"type":"card_move","data":{"cardId":"p1/0","zone":"hand"}}`))
	s := expectState(t, c)
	if card := decodeTable(t, s.State).Cards["p1/0"]; card.Zone != "hand" {
		t.Errorf("zone = %q, want hand", card.Zone)
	}
}

func TestRoom_Remove(t *testing.T) {
	room := newTestRoom(t, game.KindGame, nil, nil, true)

	a1 := join(t, room, "p1")
	a2 := join(t, room, "p1")
	b := join(t, room, "p2")
	spectator := newTestClient()
	room.Add(spectator)
	drain(b)

	if n := room.Remove(a1); n != 3 {
		t.Errorf("remaining = %d, want 3", n)
	}
	assertQuiet(t, b, protocol.TypePlayerLeft)

	if n := room.Remove(a2); n != 2 {
		t.Errorf("remaining = %d, want 2", n)
	}
	var left protocol.PlayerLeft
	if err := sonic.ConfigFastest.Unmarshal(expect(t, b, protocol.TypePlayerLeft), &left); err != nil {
		t.Fatal(err)
	}
	if left.PlayerID != "p1" {
		t.Errorf("player_left = %q, want p1", left.PlayerID)
	}

	if room.Spectators() != 1 {
		t.Errorf("spectators = %d, want 1", room.Spectators())
	}
	room.Remove(spectator)
	if room.Spectators() != 0 {
		t.Errorf("spectators = %d, want 0", room.Spectators())
	}

	// Removing twice is a no-op.
	if n := room.Remove(spectator); n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
}

func TestRoom_PresenceLeaveOnDisconnect(t *testing.T) {
	room := newTestRoom(t, game.KindPresence, nil, nil, true)

	c1 := join(t, room, "p1")
	c2 := join(t, room, "p2")
	room.Handle(c1, []byte(`{"type":"join","data":{"name":"One"}}`))
	room.Handle(c2, []byte(`{"type":"join","data":{"name":"Two"}}`))
	drain(c2)

	room.Remove(c1)

	var p game.Presence
	if err := sonic.ConfigFastest.Unmarshal(expectState(t, c2).State, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Players) != 1 || p.Players[0] != "p2" {
		t.Errorf("players = %v, want [p2]", p.Players)
	}
}

func TestRoom_PersistAndRestore(t *testing.T) {
	st := store.NewMemory()
	room := newTestRoom(t, game.KindGame, nil, st, true)

	c := join(t, room, "p1")
	room.Handle(c, []byte(`{"type":"join","data":{"deck":["Forest","Bear"]}}`))
	saved := expectState(t, c)

	rec, err := st.Load(t.Context(), room.id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.Kind != game.KindGame || rec.Version != saved.Version {
		t.Errorf("record = %s v%d, want game v%d", rec.Kind, rec.Version, saved.Version)
	}

	// A restored room keeps its stored kind.
	restored := newTestRoom(t, game.KindPresence, nil, st, true)
	if restored.Kind() != game.KindGame {
		t.Errorf("kind = %q, want game", restored.Kind())
	}
	snap, err := restored.engine.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != saved.Version || snap.Status != machine.StatusActive {
		t.Errorf("restored = v%d %s, want v%d active", snap.Version, snap.Status, saved.Version)
	}
	if len(decodeTable(t, snap.State).Libraries["p1"]) != 2 {
		t.Error("restored table lost p1's library")
	}
}

func TestRoom_CloseFlushesPending(t *testing.T) {
	cfg := testConfig()
	cfg.FlushDelay = time.Minute
	st := store.NewMemory()
	room, err := NewRoom(t.Context(), "room-1", game.KindGame, cfg, st, true)
	if err != nil {
		t.Fatal(err)
	}

	c := join(t, room, "p1")
	room.Handle(c, []byte(`{"type":"join","data":{"deck":["Forest"]}}`))
	joined := expectState(t, c)
	room.Handle(c, []byte(`{"type":"card_move","data":{"cardId":"p1/0","zone":"exile"}}`))

	room.Close()

	rec, err := st.Load(t.Context(), room.id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != joined.Version+1 {
		t.Errorf("version = %d, want %d", rec.Version, joined.Version+1)
	}
	if room.ClientCount() != 0 {
		t.Errorf("clients = %d, want 0", room.ClientCount())
	}

	if err := room.batcher.Enqueue(t.Context(), room.id, action.Action{}, room.execute); err == nil {
		t.Error("closed room accepted an action")
	}
}

func TestRoom_RebindReleasesPreviousIdentity(t *testing.T) {
	room := newTestRoom(t, game.KindPresence, nil, nil, true)

	watcher := join(t, room, "w")
	c := join(t, room, "p1")
	room.Handle(c, []byte(`{"type":"join","data":{"name":"One"}}`))
	expectState(t, watcher)
	drain(watcher)

	room.Handle(c, []byte(`{"type":"ping","playerId":"p2"}`))
	expect(t, c, protocol.TypePong)

	var left protocol.PlayerLeft
	if err := sonic.ConfigFastest.Unmarshal(expect(t, watcher, protocol.TypePlayerLeft), &left); err != nil {
		t.Fatal(err)
	}
	if left.PlayerID != "p1" {
		t.Errorf("player_left = %q, want p1", left.PlayerID)
	}

	var p game.Presence
	if err := sonic.ConfigFastest.Unmarshal(expectState(t, watcher).State, &p); err != nil {
		t.Fatal(err)
	}
	for _, id := range p.Players {
		if id == "p1" {
			t.Errorf("players = %v, p1 should have left", p.Players)
		}
	}
}

func TestRoom_CloseLeavesPresence(t *testing.T) {
	st := store.NewMemory()
	room, err := NewRoom(t.Context(), "room-1", game.KindPresence, testConfig(), st, true)
	if err != nil {
		t.Fatal(err)
	}
	c := join(t, room, "p1")
	room.Handle(c, []byte(`{"type":"join","data":{"name":"One"}}`))
	expectState(t, c)

	room.Close()

	rec, err := st.Load(t.Context(), room.id)
	if err != nil {
		t.Fatal(err)
	}
	var p game.Presence
	if err := sonic.ConfigFastest.Unmarshal(rec.State, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Players) != 0 {
		t.Errorf("stored players = %v, want none after close", p.Players)
	}
}

func TestRoom_CloseDeletesTerminalState(t *testing.T) {
	st := store.NewMemory()
	room, err := NewRoom(t.Context(), "room-1", game.KindGame, testConfig(), st, true)
	if err != nil {
		t.Fatal(err)
	}
	c := join(t, room, "p1")
	room.Handle(c, []byte(`{"type":"join","data":{"deck":["Forest"]}}`))
	expectState(t, c)
	room.Handle(c, []byte(`{"type":"game_restart"}`))
	if s := expectState(t, c); s.Status != machine.StatusTerminal {
		t.Fatalf("status = %s, want terminal", s.Status)
	}

	room.Close()

	if _, err := st.Load(t.Context(), room.id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Load after close = %v, want ErrNotFound", err)
	}
}

func TestRoom_CloseIsIdempotent(t *testing.T) {
	room, err := NewRoom(t.Context(), "room-1", game.KindGame, testConfig(), store.NewMemory(), true)
	if err != nil {
		t.Fatal(err)
	}
	c := join(t, room, "p1")

	room.Close()
	room.Close()

	if !c.isClosed() {
		t.Error("close should disconnect clients")
	}
	room.Handle(c, []byte(`{"type":"card_draw","data":{"count":1}}`))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{machine.ErrUnauthorized, protocol.CodeUnauthorized},
		{protocol.ErrMalformed, protocol.CodeProtocol},
		{machine.ErrUnknownAction, protocol.CodeProtocol},
		{machine.ErrTerminal, protocol.CodeInvalid},
		{machine.ErrInvalidAction, protocol.CodeInvalid},
		{batcher.ErrClosed, protocol.CodeInvalid},
		{store.ErrNotFound, protocol.CodeInternal},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
