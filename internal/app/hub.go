package app

import (
	"sync"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/rs/zerolog/log"
)

// Hub is this gateway's transport layer: the connections attached here and
// their room subscriptions. It is a delivery filter; membership truth lives
// in the state store.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]core.SignalConnection
	subs  map[domain.ConnectionID]map[domain.RoomID]struct{}
	rooms core.RoomManager
}

func NewHub(rooms core.RoomManager) *Hub {
	return &Hub{
		conns: make(map[domain.ConnectionID]core.SignalConnection),
		subs:  make(map[domain.ConnectionID]map[domain.RoomID]struct{}),
		rooms: rooms,
	}
}

func (h *Hub) Attach(conn domain.ConnectionID, sc core.SignalConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = sc
	log.Debug().Str("module", "app.hub").Str("conn", string(conn)).Msg("attached")
}

// Detach drops conn and all its subscriptions, returning the rooms it was in.
func (h *Hub) Detach(conn domain.ConnectionID) []domain.RoomID {
	h.mu.Lock()
	rooms := h.subs[conn]
	delete(h.subs, conn)
	delete(h.conns, conn)
	h.mu.Unlock()

	out := make([]domain.RoomID, 0, len(rooms))
	for room := range rooms {
		h.rooms.Unsubscribe(room, conn)
		out = append(out, room)
	}
	log.Debug().Str("module", "app.hub").Str("conn", string(conn)).Int("rooms", len(out)).Msg("detached")
	return out
}

func (h *Hub) Conn(conn domain.ConnectionID) (core.SignalConnection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sc, ok := h.conns[conn]
	return sc, ok
}

// Subscribe is a no-op for connections not attached here.
func (h *Hub) Subscribe(room domain.RoomID, conn domain.ConnectionID) bool {
	h.mu.Lock()
	sc, ok := h.conns[conn]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if h.subs[conn] == nil {
		h.subs[conn] = make(map[domain.RoomID]struct{})
	}
	h.subs[conn][room] = struct{}{}
	h.mu.Unlock()
	added := h.rooms.Subscribe(room, conn, sc)

	// Detach may have run between the two locks.
	if _, still := h.Conn(conn); !still {
		h.rooms.Unsubscribe(room, conn)
		return false
	}
	return added
}

func (h *Hub) Unsubscribe(room domain.RoomID, conn domain.ConnectionID) bool {
	h.mu.Lock()
	if rooms, ok := h.subs[conn]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.subs, conn)
		}
	}
	h.mu.Unlock()
	return h.rooms.Unsubscribe(room, conn)
}

// Subscriptions lists the rooms conn is transport-subscribed to here.
func (h *Hub) Subscriptions(conn domain.ConnectionID) core.RoomSet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(core.RoomSet, len(h.subs[conn]))
	for room := range h.subs[conn] {
		out[room] = struct{}{}
	}
	return out
}

func (h *Hub) Broadcast(room domain.RoomID, data core.Frame) core.PublishResult {
	r, ok := h.rooms.Get(room)
	if !ok {
		return core.PublishResult{}
	}
	return r.Broadcast(data)
}

// SendTo delivers to one attached connection without blocking.
func (h *Hub) SendTo(conn domain.ConnectionID, data core.Frame) error {
	sc, ok := h.Conn(conn)
	if !ok {
		return domain.ErrNotLocal
	}
	return sc.TrySend(data)
}

func (h *Hub) Rooms() []core.RoomInfo { return h.rooms.List() }

func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
