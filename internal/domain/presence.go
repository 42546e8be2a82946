package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnregistered    = errors.New("connection not registered")
	ErrAlreadyBound    = errors.New("connection already bound to another entity")
	ErrRegisterFailed  = errors.New("register failed")
	ErrUpdateFailed    = errors.New("update failed")
	ErrSuperseded      = errors.New("connection superseded")
	ErrExpired         = errors.New("registration expired")
	ErrNotLocal        = errors.New("connection not on this node")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrWrongUpdateKind = errors.New("location update does not match entity type")
)

// Presence is the recorded fact of an entity being connected.
type Presence struct {
	Entity      Entity       `json:"entity"`
	Conn        ConnectionID `json:"conn"`
	ConnectedAt time.Time    `json:"connected_at"`
	LastActive  time.Time    `json:"last_active"`
}

type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventVendorOffline     EventKind = "vendor_offline"
	EventMembershipChanged EventKind = "membership_changed"
)

// Event is what the gateway emits to the notification sink.
type Event struct {
	Kind    EventKind    `json:"kind"`
	Entity  Entity       `json:"entity"`
	Conn    ConnectionID `json:"conn,omitempty"`
	Joined  []RoomID     `json:"joined,omitempty"`
	Left    []RoomID     `json:"left,omitempty"`
	Members int          `json:"members,omitempty"`
	At      time.Time    `json:"at"`
}
