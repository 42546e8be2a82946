package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Nearby/internal/domain"
	"github.com/nats-io/nats.go"
)

type resolveRequest struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
	Type   string  `json:"type"`
}

type resolveReply struct {
	IDs   []domain.EntityID `json:"ids"`
	Error string            `json:"error,omitempty"`
}

type recordRequest struct {
	ID  domain.EntityID `json:"id"`
	Lat float64         `json:"lat"`
	Lng float64         `json:"lng"`
}

type recordReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Resolver calls the geospatial service over NATS request/reply.
// Deadlines come from the caller's context.
type Resolver struct {
	nc       *nats.Conn
	subjects Subjects
}

func NewResolver(nc *nats.Conn, subjects Subjects) *Resolver {
	return &Resolver{nc: nc, subjects: subjects}
}

// ResolveNearby returns the vendors inside b.
func (r *Resolver) ResolveNearby(ctx context.Context, b domain.Bounds) ([]domain.EntityID, error) {
	data, err := json.Marshal(resolveRequest{
		MinLat: b.MinLat, MinLng: b.MinLng, MaxLat: b.MaxLat, MaxLng: b.MaxLng,
		Type: string(domain.EntityVendor),
	})
	if err != nil {
		return nil, err
	}
	msg, err := request(ctx, r.nc, r.subjects.Resolve(), data)
	if err != nil {
		return nil, fmt.Errorf("resolve nearby: %w", err)
	}
	var reply resolveReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("resolve nearby: bad reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("resolve nearby: %w", errors.New(reply.Error))
	}
	return reply.IDs, nil
}

func (r *Resolver) RecordPosition(ctx context.Context, id domain.EntityID, at domain.Coordinate) error {
	data, err := json.Marshal(recordRequest{ID: id, Lat: at.Lat, Lng: at.Lng})
	if err != nil {
		return err
	}
	msg, err := request(ctx, r.nc, r.subjects.Record(), data)
	if err != nil {
		return fmt.Errorf("record position: %w", err)
	}
	var reply recordReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("record position: bad reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("record position: %s", reply.Error)
	}
	return nil
}
