package registry

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindResolveUnbind(t *testing.T) {
	r := New(0)
	id := r.Accept()

	assert.True(t, r.Bind(id, "p1").WasSpectator)
	got, ok := r.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, "p1", got)

	u := r.Unbind(id)
	assert.False(t, u.WasSpectator)
	assert.Equal(t, "p1", u.PlayerID)
	assert.True(t, u.LastConn)

	_, ok = r.Resolve(id)
	assert.False(t, ok)
	assert.Empty(t, r.Players())
}

func TestUnbindNeverBound(t *testing.T) {
	r := New(0)
	id := r.Accept()

	u := r.Unbind(id)
	assert.True(t, u.WasSpectator)
	assert.Empty(t, u.PlayerID)
}

func TestRebindOverwrites(t *testing.T) {
	r := New(0)
	id := r.Accept()

	assert.True(t, r.Bind(id, "p1").WasSpectator)
	assert.Equal(t, Unbound{PlayerID: "p1"}, r.Bind(id, "p1"))
	assert.Equal(t, Unbound{PlayerID: "p1", LastConn: true}, r.Bind(id, "p2"))

	got, _ := r.Resolve(id)
	assert.Equal(t, "p2", got)
	assert.Equal(t, []string{"p2"}, r.Players())
}

func TestRebindKeepsOtherConnections(t *testing.T) {
	r := New(0)
	a, b := r.Accept(), r.Accept()
	r.Bind(a, "p1")
	r.Bind(b, "p1")

	u := r.Bind(a, "p2")
	assert.Equal(t, "p1", u.PlayerID)
	assert.False(t, u.LastConn)

	players := r.Players()
	sort.Strings(players)
	assert.Equal(t, []string{"p1", "p2"}, players)
}

func TestSamePlayerSeveralConnections(t *testing.T) {
	r := New(0)
	a, b := r.Accept(), r.Accept()
	require.NotEqual(t, a, b)

	r.Bind(a, "p1")
	r.Bind(b, "p1")

	assert.False(t, r.Unbind(a).LastConn)
	assert.Equal(t, []string{"p1"}, r.Players())
	assert.True(t, r.Unbind(b).LastConn)
	assert.Empty(t, r.Players())
}

func TestPlayers(t *testing.T) {
	r := New(0)
	r.Bind(r.Accept(), "p2")
	r.Bind(r.Accept(), "p1")
	r.Bind(r.Accept(), "p1")

	players := r.Players()
	sort.Strings(players)
	assert.Equal(t, []string{"p1", "p2"}, players)
}

func TestShouldBroadcastCursor(t *testing.T) {
	r := New(16 * time.Millisecond)
	start := time.UnixMilli(1_000_000)

	ok, msg := r.ShouldBroadcastCursor("p1", 10, 20, start)
	require.True(t, ok)
	assert.Equal(t, Cursor{PlayerID: "p1", X: 10, Y: 20, Timestamp: start.UnixMilli()}, msg)

	ok, _ = r.ShouldBroadcastCursor("p1", 11, 21, start.Add(5*time.Millisecond))
	assert.False(t, ok, "5ms apart must be throttled")

	ok, msg = r.ShouldBroadcastCursor("p1", 12, 22, start.Add(20*time.Millisecond))
	assert.True(t, ok, "20ms apart must broadcast")
	assert.Equal(t, 12.0, msg.X)

	ok, _ = r.ShouldBroadcastCursor("p2", 0, 0, start.Add(21*time.Millisecond))
	assert.True(t, ok, "players are throttled independently")
}

func TestUnbindClearsCursorState(t *testing.T) {
	r := New(time.Hour)
	id := r.Accept()
	r.Bind(id, "p1")
	now := time.Now()

	ok, _ := r.ShouldBroadcastCursor("p1", 0, 0, now)
	require.True(t, ok)
	r.Unbind(id)

	assert.Empty(t, r.lastCursor)
	assert.Empty(t, r.conns)
	assert.Empty(t, r.bindings)
}
