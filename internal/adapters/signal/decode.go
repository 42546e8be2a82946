package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

var ErrBadPayload = errors.New("bad payload")

type bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// envelope is the union of every inbound frame's fields.
type envelope struct {
	Type       string   `json:"type"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	Bounds     *bounds  `json:"bounds"`
}

// Decode parses one text frame into an inbound message.
func Decode(data []byte) (core.Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}

	switch env.Type {
	case "register":
		ent, err := domain.NewEntity(domain.EntityType(env.EntityType), env.EntityID)
		if err != nil {
			return nil, err
		}
		return core.Register{Entity: ent}, nil
	case "location":
		switch {
		case env.Bounds != nil:
			return core.LocationUpdate{Viewport: &domain.Bounds{
				MinLat: env.Bounds.MinLat,
				MinLng: env.Bounds.MinLng,
				MaxLat: env.Bounds.MaxLat,
				MaxLng: env.Bounds.MaxLng,
			}}, nil
		case env.Lat != nil && env.Lng != nil:
			return core.LocationUpdate{Position: &domain.Coordinate{Lat: *env.Lat, Lng: *env.Lng}}, nil
		default:
			return nil, fmt.Errorf("%w: location needs lat/lng or bounds", ErrBadPayload)
		}
	case "ping":
		return core.Ping{}, nil
	case "disconnect":
		return core.Disconnect{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrBadPayload)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessage, env.Type)
	}
}
