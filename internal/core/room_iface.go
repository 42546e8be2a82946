package core

import (
	"github.com/dkeye/Nearby/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ConnectionID
}

// RoomService is the transport-level subscriber set of one room.
// It is a delivery filter only; it never touches the state store.
type RoomService interface {
	ID() domain.RoomID
	SubscriberCount() int
	Subscribers() []domain.ConnectionID

	Subscribe(conn domain.ConnectionID, sc SignalConnection) bool
	Unsubscribe(conn domain.ConnectionID) bool
	Broadcast(data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	Subscribers int           `json:"subscribers"`
}

// RoomManager creates rooms on first subscribe and forgets them on last unsubscribe.
type RoomManager interface {
	Get(id domain.RoomID) (RoomService, bool)
	Subscribe(id domain.RoomID, conn domain.ConnectionID, sc SignalConnection) bool
	Unsubscribe(id domain.RoomID, conn domain.ConnectionID) bool
	List() []RoomInfo
}
