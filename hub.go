package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"github.com/Karmagate/RoomSync/internal/game"
	"github.com/Karmagate/RoomSync/internal/protocol"
	"github.com/Karmagate/RoomSync/internal/store"
)

type Hub struct {
	ctx   context.Context
	cfg   *Config
	store store.Store
	// trustClaims lets rooms bind ping identities when no token verifier
	// is configured.
	trustClaims bool

	mu    sync.RWMutex
	rooms map[string]*Room
	// closing holds rooms that were evicted but are still flushing. A room
	// id is not recreated before its entry is gone.
	closing map[string]*Room

	registerCh   chan *Client
	unregisterCh chan *Client
}

func NewHub(ctx context.Context, cfg *Config, st store.Store, trustClaims bool) *Hub {
	return &Hub{
		ctx:          ctx,
		cfg:          cfg,
		store:        st,
		trustClaims:  trustClaims,
		rooms:        make(map[string]*Room),
		closing:      make(map[string]*Room),
		registerCh:   make(chan *Client, 64),
		unregisterCh: make(chan *Client, 64),
	}
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.registerCh:
			h.addClient(client)

		case client := <-h.unregisterCh:
			h.removeClient(client)

		case <-ticker.C:
			h.cleanupIdleRooms(time.Now())
		}
	}
}

func (h *Hub) Register(c *Client) {
	h.registerCh <- c
}

func (h *Hub) Unregister(c *Client) {
	h.unregisterCh <- c
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, ok := h.rooms[roomID]; ok {
		return room.ClientCount()
	}
	return 0
}

// RoomKind reports the kind of a live room.
func (h *Hub) RoomKind(roomID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, ok := h.rooms[roomID]; ok {
		return room.Kind(), true
	}
	return "", false
}

func (h *Hub) addClient(c *Client) {
	if old := h.closingRoom(c.roomID); old != nil {
		// Register again once the evicted room has persisted its state.
		go func() {
			<-old.closed
			h.Register(c)
		}()
		return
	}

	room, err := h.room(c.roomID, c.kind)
	if err != nil {
		logs.Errorf("room %s: %+v", c.roomID, err)
		c.conn.Close()
		return
	}

	if c.kind != "" && room.Kind() != c.kind {
		logs.Warnf("room %s is %s, refused %s client from %s", c.roomID, room.Kind(), c.kind, c.ip)
		data, _ := protocol.Encode(protocol.NewError(protocol.CodeProtocol, "room kind is "+room.Kind(), ""))
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
		c.conn.Close()
		return
	}

	room.Add(c)
	logs.Infof("conn %d (identity=%q ip=%s) joined room %s (kind=%s)", c.connID, c.identity, c.ip, c.roomID, room.Kind())

	go c.ReadPump()
	go c.WritePump()
}

// room returns the live room for id, creating it from the store if needed.
// Creation waits for an evicted room of the same id to finish closing.
func (h *Hub) room(id, kind string) (*Room, error) {
	h.mu.RLock()
	room, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return room, nil
	}
	if old := h.closingRoom(id); old != nil {
		<-old.closed
	}

	if kind == "" {
		kind = game.KindPresence
	}
	room, err := NewRoom(h.ctx, id, kind, h.cfg, h.store, h.trustClaims)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.rooms[id] = room
	h.mu.Unlock()
	logs.Infof("room %s created (kind=%s)", id, room.Kind())
	return room, nil
}

// closingRoom returns the evicted room for id while it is still closing.
func (h *Hub) closingRoom(id string) *Room {
	h.mu.RLock()
	room := h.closing[id]
	h.mu.RUnlock()
	if room == nil {
		return nil
	}
	select {
	case <-room.closed:
		return nil
	default:
		return room
	}
}

func (h *Hub) removeClient(c *Client) {
	room := c.room
	if room == nil {
		return
	}

	if room.Remove(c) > 0 {
		logs.Infof("conn %d left room %s", c.connID, c.roomID)
		return
	}
	if h.evict(room) {
		logs.Infof("room %s destroyed (no clients)", room.id)
	}
}

func (h *Hub) cleanupIdleRooms(now time.Time) {
	var idle []*Room

	h.mu.RLock()
	for _, room := range h.rooms {
		if now.Sub(room.LastActivity()) > h.cfg.RoomIdleTimeout {
			idle = append(idle, room)
		}
	}
	h.mu.RUnlock()

	for _, room := range idle {
		if h.evict(room) {
			logs.Infof("room %s cleaned up (idle timeout)", room.id)
		}
	}
}

// evict takes room out of service and closes it on its own goroutine, so a
// slow executor or store only holds up that room id. It reports whether room
// was the live room for its id.
func (h *Hub) evict(room *Room) bool {
	h.mu.Lock()
	live := h.rooms[room.id] == room
	if live {
		delete(h.rooms, room.id)
		h.closing[room.id] = room
	}
	h.mu.Unlock()

	go func() {
		room.Close()
		if !live {
			return
		}
		h.mu.Lock()
		if h.closing[room.id] == room {
			delete(h.closing, room.id)
		}
		h.mu.Unlock()
	}()
	return live
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms)+len(h.closing))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	for _, room := range h.closing {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room.Close()
		}()
	}
	wg.Wait()
}
