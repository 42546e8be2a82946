package core

import (
	"encoding/json"

	"github.com/dkeye/Nearby/internal/domain"
)

// Inbound is one decoded message from a peer. The set of kinds is closed.
type Inbound interface{ inbound() }

type Register struct {
	Entity domain.Entity
}

// LocationUpdate carries Position for vendors and Viewport for users.
type LocationUpdate struct {
	Position *domain.Coordinate
	Viewport *domain.Bounds
}

type Ping struct{}

type Disconnect struct{}

func (Register) inbound()       {}
func (LocationUpdate) inbound() {}
func (Ping) inbound()           {}
func (Disconnect) inbound()     {}

// Outbound frame payloads.

type RegisteredMsg struct {
	Type   string              `json:"type"`
	Conn   domain.ConnectionID `json:"conn"`
	Entity domain.Entity       `json:"entity"`
}

type VendorLocationMsg struct {
	Type     string            `json:"type"`
	Vendor   domain.EntityID   `json:"vendor"`
	Position domain.Coordinate `json:"position"`
}

type NearbyMsg struct {
	Type    string          `json:"type"`
	Vendors []domain.RoomID `json:"vendors"`
}

type VendorOfflineMsg struct {
	Type   string          `json:"type"`
	Vendor domain.EntityID `json:"vendor"`
}

// StatusMsg carries only a type: pong, superseded, expired.
type StatusMsg struct {
	Type string `json:"type"`
}

type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Encode marshals an outbound payload. Payloads here are plain structs and never fail.
func Encode(v any) Frame {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame(`{"type":"error","error":"internal"}`)
	}
	return b
}
