// Package registry tracks which live connection of a room belongs to which
// player, and rate limits cursor broadcasts per player.
package registry

import (
	"sync"
	"time"
)

const DefaultCursorInterval = 16 * time.Millisecond

// ConnID is the handle a room assigns to a connection on accept. All
// per-connection state is keyed by it.
type ConnID uint64

// Unbound describes a binding that was removed or replaced.
type Unbound struct {
	PlayerID     string
	WasSpectator bool
	// LastConn is set when PlayerID has no other bound connection left.
	LastConn bool
}

// Cursor is a broadcast-ready cursor position.
type Cursor struct {
	PlayerID  string  `json:"playerId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

type Registry struct {
	mu             sync.RWMutex
	next           ConnID
	bindings       map[ConnID]string
	conns          map[string]int
	lastCursor     map[string]time.Time
	cursorInterval time.Duration
}

func New(cursorInterval time.Duration) *Registry {
	if cursorInterval <= 0 {
		cursorInterval = DefaultCursorInterval
	}
	return &Registry{
		bindings:       make(map[ConnID]string),
		conns:          make(map[string]int),
		lastCursor:     make(map[string]time.Time),
		cursorInterval: cursorInterval,
	}
}

// Accept hands out the handle for a new connection. The connection is a
// spectator until it is bound.
func (r *Registry) Accept() ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

// Bind records playerID for id, overwriting any previous binding. The result
// describes the binding it replaced: WasSpectator when id had none, and
// LastConn when the replaced player has no other connection left.
func (r *Registry) Bind(id ConnID, playerID string) Unbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, bound := r.bindings[id]
	if !bound {
		r.bindings[id] = playerID
		r.conns[playerID]++
		return Unbound{WasSpectator: true}
	}
	if prev == playerID {
		return Unbound{PlayerID: prev}
	}
	last := r.releaseLocked(prev)
	r.bindings[id] = playerID
	r.conns[playerID]++
	return Unbound{PlayerID: prev, LastConn: last}
}

// Resolve returns the player bound to id.
func (r *Registry) Resolve(id ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	playerID, ok := r.bindings[id]
	return playerID, ok
}

// Unbind removes every entry for id. Unbinding a connection that was never
// bound reports a spectator.
func (r *Registry) Unbind(id ConnID) Unbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	playerID, ok := r.bindings[id]
	if !ok {
		return Unbound{WasSpectator: true}
	}
	delete(r.bindings, id)
	return Unbound{
		PlayerID: playerID,
		LastConn: r.releaseLocked(playerID),
	}
}

// Players returns the distinct bound player ids.
func (r *Registry) Players() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	players := make([]string, 0, len(r.conns))
	for playerID := range r.conns {
		players = append(players, playerID)
	}
	return players
}

// ShouldBroadcastCursor drops updates arriving closer than the cursor
// interval to the last broadcast for playerID. Only the latest position
// matters, so dropped updates are not queued.
func (r *Registry) ShouldBroadcastCursor(playerID string, x, y float64, now time.Time) (bool, Cursor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastCursor[playerID]; ok && now.Sub(last) < r.cursorInterval {
		return false, Cursor{}
	}
	r.lastCursor[playerID] = now
	return true, Cursor{
		PlayerID:  playerID,
		X:         x,
		Y:         y,
		Timestamp: now.UnixMilli(),
	}
}

func (r *Registry) releaseLocked(playerID string) bool {
	n := r.conns[playerID] - 1
	if n > 0 {
		r.conns[playerID] = n
		return false
	}
	delete(r.conns, playerID)
	delete(r.lastCursor, playerID)
	return true
}
