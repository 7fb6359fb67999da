package main

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/Karmagate/RoomSync/internal/action"
	"github.com/Karmagate/RoomSync/internal/batcher"
	"github.com/Karmagate/RoomSync/internal/game"
	"github.com/Karmagate/RoomSync/internal/machine"
	"github.com/Karmagate/RoomSync/internal/protocol"
	"github.com/Karmagate/RoomSync/internal/registry"
	"github.com/Karmagate/RoomSync/internal/store"
)

const closeTimeout = 10 * time.Second

// Room hosts one authoritative state and the sockets connected to it.
type Room struct {
	id  string
	ctx context.Context

	mu           sync.RWMutex
	clients      map[registry.ConnID]*Client
	spectators   int
	lastActivity time.Time
	closing      bool
	closed       chan struct{}

	// leaves tracks presence leaves submitted off the caller's goroutine.
	leaves sync.WaitGroup

	// trustClaims binds the player id named in ping when no token
	// identity is available.
	trustClaims bool

	registry *registry.Registry
	batcher  *batcher.Batcher[action.Action]
	engine   machine.Engine
	store    store.Store
}

// NewRoom creates the room and restores its last persisted state. A stored
// state decides the room kind; kind is only used for fresh rooms.
func NewRoom(ctx context.Context, id, kind string, cfg *Config, st store.Store, trustClaims bool) (*Room, error) {
	engine, err := restoreEngine(ctx, id, kind, st)
	if err != nil {
		return nil, err
	}

	return &Room{
		id:           id,
		ctx:          ctx,
		clients:      make(map[registry.ConnID]*Client),
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
		trustClaims:  trustClaims,
		registry:     registry.New(cfg.CursorInterval),
		batcher: batcher.New[action.Action](batcher.Config{
			FlushDelay:   cfg.FlushDelay,
			MaxBatchSize: cfg.MaxBatchSize,
		}),
		engine: engine,
		store:  st,
	}, nil
}

func restoreEngine(ctx context.Context, id, kind string, st store.Store) (machine.Engine, error) {
	rec, err := st.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return game.NewEngine(kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load room %s", id)
	}

	engine, err := game.NewEngine(rec.Kind)
	if err != nil {
		return nil, err
	}
	err = engine.Restore(machine.Snapshot{
		Kind:    rec.Kind,
		Status:  machine.Status(rec.Status),
		Version: rec.Version,
		State:   rec.State,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "restore room %s", id)
	}
	logs.Infof("room %s restored (kind=%s version=%d)", id, rec.Kind, rec.Version)
	return engine, nil
}

func (r *Room) Kind() string {
	return r.engine.Kind()
}

// Add accepts c as a spectator and sends it the current state.
func (r *Room) Add(c *Client) {
	c.connID = r.registry.Accept()
	c.room = r

	r.mu.Lock()
	r.clients[c.connID] = c
	r.spectators++
	r.lastActivity = time.Now()
	r.mu.Unlock()

	if snap, err := r.engine.Snapshot(); err == nil {
		r.send(c, protocol.NewState(r.id, snap))
	} else {
		logs.Errorf("room %s: snapshot for conn %d: %+v", r.id, c.connID, err)
	}
	r.broadcastPresence()
}

// Remove tears down every entry of c, closes it and returns the remaining
// client count.
func (r *Room) Remove(c *Client) int {
	r.mu.Lock()
	if _, ok := r.clients[c.connID]; !ok {
		n := len(r.clients)
		r.mu.Unlock()
		return n
	}
	delete(r.clients, c.connID)
	un := r.registry.Unbind(c.connID)
	if un.WasSpectator {
		r.spectators--
	}
	r.lastActivity = time.Now()
	remaining := len(r.clients)
	leave := r.reserveLeaveLocked(un)
	r.mu.Unlock()
	c.Close()

	if leave {
		go r.leave(un.PlayerID)
	}
	if remaining == 0 {
		return 0
	}
	if un.LastConn {
		r.broadcast(0, protocol.NewPlayerLeft(un.PlayerID))
	}
	r.broadcastPresence()
	return remaining
}

// reserveLeaveLocked reports whether the player of un must leave the presence
// state and, if so, registers the pending leave with Close. Must be called
// with r.mu held.
func (r *Room) reserveLeaveLocked(un registry.Unbound) bool {
	if !un.LastConn || r.closing || r.Kind() != game.KindPresence {
		return false
	}
	r.leaves.Add(1)
	return true
}

// leave submits a presence leave. It runs on its own goroutine so that a slow
// executor never blocks the caller.
func (r *Room) leave(playerID string) {
	defer r.leaves.Done()
	err := r.submit(action.Action{Type: action.TypeLeave, PlayerID: playerID, Data: action.Leave{}})
	if err != nil {
		logs.Warnf("room %s: leave for %s: %v", r.id, playerID, err)
	}
}

func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Room) Spectators() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spectators
}

func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Handle processes one inbound message from c.
func (r *Room) Handle(c *Client, data []byte) {
	r.touch()

	in, err := protocol.Decode(data)
	if err != nil {
		r.reject(c, err, "")
		return
	}

	switch in.Type {
	case protocol.TypePing:
		r.handlePing(c, in)
	case protocol.TypeCursorUpdate:
		r.handleCursor(c, in)
	default:
		r.handleAction(c, in)
	}
}

func (r *Room) handlePing(c *Client, in protocol.Inbound) {
	playerID := in.PlayerID
	switch {
	case c.identity != "":
		if playerID != "" && playerID != c.identity {
			logs.Warnf("room %s: conn %d authenticated as %s pinged as %s", r.id, c.connID, c.identity, playerID)
			r.reject(c, errors.Wrap(machine.ErrUnauthorized, "ping identity does not match token"), protocol.TypePing)
			return
		}
		playerID = c.identity
	case !r.trustClaims:
		// Without a token the socket stays a spectator.
		playerID = ""
	}

	if playerID != "" {
		current, bound := r.registry.Resolve(c.connID)
		if !bound || current != playerID {
			r.rebind(c, playerID)
		}
	}

	r.send(c, protocol.NewPong(time.Now().UnixMilli()))
}

func (r *Room) handleCursor(c *Client, in protocol.Inbound) {
	playerID, ok := r.registry.Resolve(c.connID)
	if !ok {
		r.reject(c, errors.Wrap(machine.ErrUnauthorized, "spectators have no cursor"), protocol.TypeCursorUpdate)
		return
	}
	if ok, cursor := r.registry.ShouldBroadcastCursor(playerID, *in.X, *in.Y, time.Now()); ok {
		r.broadcast(c.connID, protocol.NewCursor(cursor))
	}
}

func (r *Room) handleAction(c *Client, in protocol.Inbound) {
	typ := action.Type(in.Type)
	payload, err := action.Decode(typ, in.Data)
	if err != nil {
		r.reject(c, err, in.Type)
		return
	}

	playerID, ok := r.registry.Resolve(c.connID)
	if !ok {
		r.reject(c, errors.Wrap(machine.ErrUnauthorized, "spectators cannot act"), in.Type)
		return
	}
	if in.PlayerID != "" && in.PlayerID != playerID {
		logs.Warnf("room %s: conn %d bound to %s sent %s claiming %s", r.id, c.connID, playerID, in.Type, in.PlayerID)
	}

	err = r.submit(action.Action{
		Type:     typ,
		PlayerID: playerID,
		Conn:     uint64(c.connID),
		Data:     payload,
	})
	if err != nil {
		r.reject(c, err, in.Type)
	}
}

// rebind binds c to playerID and treats the identity it replaces like a
// disconnect of that player.
func (r *Room) rebind(c *Client, playerID string) {
	r.mu.Lock()
	prev := r.registry.Bind(c.connID, playerID)
	if prev.WasSpectator {
		r.spectators--
	}
	leave := r.reserveLeaveLocked(prev)
	r.mu.Unlock()

	if prev.LastConn {
		logs.Infof("room %s: conn %d rebound from %s to %s", r.id, c.connID, prev.PlayerID, playerID)
		r.broadcast(0, protocol.NewPlayerLeft(prev.PlayerID))
	}
	if leave {
		go r.leave(prev.PlayerID)
	}
	r.broadcastPresence()
}

// submit queues a and flushes right away unless a is part of a drag stream.
func (r *Room) submit(a action.Action) error {
	if err := r.batcher.Enqueue(r.ctx, r.id, a, r.execute); err != nil {
		return err
	}
	if action.EndsStream(a) {
		r.batcher.FlushImmediate(r.ctx, r.id, r.execute)
	}
	return nil
}

// execute is the batch executor: it applies every action in order, answers
// rejected ones to their sender, then broadcasts and persists the result.
func (r *Room) execute(ctx context.Context, batch []action.Action) error {
	applied := 0
	for _, a := range batch {
		if err := r.engine.Apply(a); err != nil {
			if errors.Is(err, machine.ErrUnauthorized) {
				logs.Warnf("room %s: rejected %s by %s: %v", r.id, a.Type, a.PlayerID, err)
			}
			if c := r.client(registry.ConnID(a.Conn)); c != nil {
				r.reject(c, err, string(a.Type))
			}
			continue
		}
		applied++
	}
	if applied == 0 {
		return nil
	}

	snap, err := r.engine.Snapshot()
	if err != nil {
		return errors.Wrap(err, "snapshot")
	}
	r.broadcast(0, protocol.NewState(r.id, snap))

	err = r.store.Save(ctx, store.Record{
		Room:    r.id,
		Kind:    snap.Kind,
		Status:  string(snap.Status),
		Version: snap.Version,
		State:   snap.State,
	})
	if err != nil {
		return errors.Wrap(err, "persist")
	}
	return nil
}

// Close flushes pending actions, waits for flushes in flight and disconnects
// every client. Players still bound to a presence room leave it. A room that
// ended in a terminal state is purged from the store. Concurrent calls return
// once the first one has finished.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		<-r.closed
		return
	}
	r.closing = true
	var leaving []string
	if r.Kind() == game.KindPresence {
		leaving = r.registry.Players()
		slices.Sort(leaving)
	}
	r.mu.Unlock()
	defer close(r.closed)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), closeTimeout)
	defer cancel()

	r.leaves.Wait()
	for _, playerID := range leaving {
		err := r.batcher.Enqueue(ctx, r.id, action.Action{Type: action.TypeLeave, PlayerID: playerID, Data: action.Leave{}}, r.execute)
		if err != nil {
			logs.Warnf("room %s: leave for %s: %v", r.id, playerID, err)
		}
	}
	r.batcher.Close(ctx, r.execute)
	r.CloseAll()

	if r.engine.Status() == machine.StatusTerminal {
		if err := r.store.Delete(ctx, r.id); err != nil {
			logs.Errorf("room %s: purge terminal state: %+v", r.id, err)
			return
		}
		logs.Infof("room %s: terminal state purged", r.id)
	}
}

func (r *Room) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[registry.ConnID]*Client)
	r.spectators = 0
	r.mu.Unlock()

	for id, c := range clients {
		r.registry.Unbind(id)
		c.Close()
	}
}

func (r *Room) client(id registry.ConnID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

func (r *Room) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Room) reject(c *Client, err error, actionType string) {
	code := errorCode(err)
	msg := err.Error()
	if code == protocol.CodeInternal {
		logs.Errorf("room %s: conn %d: %+v", r.id, c.connID, err)
		msg = "internal error"
	}
	r.send(c, protocol.NewError(code, msg, actionType))
}

func (r *Room) send(c *Client, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		logs.Errorf("room %s: %+v", r.id, err)
		return
	}
	c.Send(data)
}

// broadcast sends msg to every client except the one with handle except.
// Handles start at 1, so 0 reaches everyone.
func (r *Room) broadcast(except registry.ConnID, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		logs.Errorf("room %s: %+v", r.id, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.clients {
		if id == except {
			continue
		}
		c.Send(data)
	}
}

func (r *Room) broadcastPresence() {
	players := r.registry.Players()
	slices.Sort(players)
	r.broadcast(0, protocol.NewPresence(players, r.Spectators()))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, machine.ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, action.ErrUnknownType),
		errors.Is(err, action.ErrInvalidPayload),
		errors.Is(err, machine.ErrUnknownAction):
		return protocol.CodeProtocol
	case errors.Is(err, machine.ErrInvalidAction),
		errors.Is(err, machine.ErrNotInitialized),
		errors.Is(err, machine.ErrTerminal),
		errors.Is(err, batcher.ErrClosed):
		return protocol.CodeInvalid
	default:
		return protocol.CodeInternal
	}
}
