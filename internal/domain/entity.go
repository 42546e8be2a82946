// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxEntityIDLen = 64

var (
	ErrEntityIDEmpty     = errors.New("entity id empty")
	ErrEntityIDTooLong   = errors.New("entity id too long")
	ErrInvalidEntityType = errors.New("invalid entity type")
)

type EntityType string

const (
	EntityUser   EntityType = "user"
	EntityVendor EntityType = "vendor"
)

func (t EntityType) Valid() bool {
	return t == EntityUser || t == EntityVendor
}

// EntityID is opaque and scoped to its EntityType.
type EntityID string

// ConnectionID is assigned by the transport at accept time.
type ConnectionID string

type Entity struct {
	Type EntityType `json:"type"`
	ID   EntityID   `json:"id"`
}

// NewEntity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewEntity(typ EntityType, id string) (Entity, error) {
	if !typ.Valid() {
		return Entity{}, ErrInvalidEntityType
	}
	if len(id) == 0 {
		return Entity{}, ErrEntityIDEmpty
	}
	if len(id) > MaxEntityIDLen {
		return Entity{}, ErrEntityIDTooLong
	}
	return Entity{Type: typ, ID: EntityID(id)}, nil
}

// ParseEntity reverses Entity.String.
func ParseEntity(s string) (Entity, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return Entity{}, ErrInvalidEntityType
	}
	return NewEntity(EntityType(typ), id)
}

func (e Entity) String() string { return string(e.Type) + ":" + string(e.ID) }

func (e Entity) IsVendor() bool { return e.Type == EntityVendor }
func (e Entity) IsUser() bool   { return e.Type == EntityUser }

// Room is the room a vendor owns. Only meaningful for vendors.
func (e Entity) Room() RoomID { return RoomID(e.ID) }
