package core

import (
	"sync"

	"github.com/dkeye/Nearby/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory subscriber set.
// It never closes adapter-owned resources.
type roomImpl struct {
	id     domain.RoomID
	mu     sync.RWMutex
	byConn map[domain.ConnectionID]SignalConnection
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:     id,
		byConn: make(map[domain.ConnectionID]SignalConnection),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *roomImpl) Subscribers() []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ConnectionID, 0, len(r.byConn))
	for conn := range r.byConn {
		out = append(out, conn)
	}
	return out
}

// Subscribe reports whether conn was newly added.
func (r *roomImpl) Subscribe(conn domain.ConnectionID, sc SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[conn]; ok {
		return false
	}
	r.byConn[conn] = sc
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("conn", string(conn)).Msg("subscriber added")
	return true
}

// Unsubscribe reports whether conn was subscribed.
func (r *roomImpl) Unsubscribe(conn domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[conn]; !ok {
		return false
	}
	delete(r.byConn, conn)
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("conn", string(conn)).Msg("subscriber removed")
	return true
}

func (r *roomImpl) Broadcast(data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for conn, sc := range r.byConn {
		if err := sc.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, conn)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
