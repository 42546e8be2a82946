package core

import (
	"slices"

	"github.com/dkeye/Nearby/internal/domain"
)

// RoomSet is an unordered set of rooms.
type RoomSet map[domain.RoomID]struct{}

func NewRoomSet(ids ...domain.RoomID) RoomSet {
	s := make(RoomSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s RoomSet) Has(id domain.RoomID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s RoomSet) Sorted() []domain.RoomID {
	out := make([]domain.RoomID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Diff returns toJoin = desired - current and toLeave = current - desired.
func Diff(current, desired RoomSet) (toJoin, toLeave RoomSet) {
	toJoin = make(RoomSet)
	toLeave = make(RoomSet)
	for id := range desired {
		if !current.Has(id) {
			toJoin[id] = struct{}{}
		}
	}
	for id := range current {
		if !desired.Has(id) {
			toLeave[id] = struct{}{}
		}
	}
	return toJoin, toLeave
}
