package app

import (
	"sync"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

// RoomManagerImpl holds subscribe/unsubscribe under one lock so a room
// cannot be dropped between lookup and subscribe.
type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomID]core.RoomService)}
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) Subscribe(id domain.RoomID, conn domain.ConnectionID, sc core.SignalConnection) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		room = core.NewRoomService(id)
		f.rooms[id] = room
	}
	return room.Subscribe(conn, sc)
}

func (f *RoomManagerImpl) Unsubscribe(id domain.RoomID, conn domain.ConnectionID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return false
	}
	removed := room.Unsubscribe(conn)
	if room.SubscriberCount() == 0 {
		delete(f.rooms, id)
	}
	return removed
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{ID: id, Subscribers: r.SubscriberCount()})
	}
	return out
}
