package app

import (
	"strings"

	"github.com/dkeye/Nearby/internal/domain"
)

// Keys names every record the gateway keeps in the state store.
type Keys struct {
	Prefix string
}

func (k Keys) key(kind, id string) string {
	if k.Prefix == "" {
		return kind + ":" + id
	}
	return strings.TrimSuffix(k.Prefix, ":") + ":" + kind + ":" + id
}

// Forward maps an entity to its live connection.
func (k Keys) Forward(e domain.Entity) string {
	return k.key("conn", e.String())
}

// Reverse maps a connection to its entity.
func (k Keys) Reverse(conn domain.ConnectionID) string {
	return k.key("entity", string(conn))
}

func (k Keys) Presence(conn domain.ConnectionID) string {
	return k.key("presence", string(conn))
}

// Activity is a sorted set of connections scored by last activity (unix ms).
func (k Keys) Activity() string {
	if k.Prefix == "" {
		return "activity"
	}
	return strings.TrimSuffix(k.Prefix, ":") + ":activity"
}

// Room holds the user connections subscribed to a vendor.
func (k Keys) Room(room domain.RoomID) string {
	return k.key("room", string(room))
}

// UserRooms holds the vendor IDs a user is recorded in.
func (k Keys) UserRooms(user domain.EntityID) string {
	return k.key("rooms", string(user))
}
