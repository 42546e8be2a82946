package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Nearby/internal/domain"
	"github.com/nats-io/nats.go"
)

// eventPayload is the wire shape of a presence event.
type eventPayload struct {
	Kind       string          `json:"kind"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Conn       string          `json:"conn"`
	Joined     []domain.RoomID `json:"joined,omitempty"`
	Left       []domain.RoomID `json:"left,omitempty"`
	Members    int             `json:"members,omitempty"`
	At         int64           `json:"at"`
}

func encodeEvent(ev domain.Event) ([]byte, error) {
	return json.Marshal(eventPayload{
		Kind:       string(ev.Kind),
		EntityType: string(ev.Entity.Type),
		EntityID:   string(ev.Entity.ID),
		Conn:       string(ev.Conn),
		Joined:     ev.Joined,
		Left:       ev.Left,
		Members:    ev.Members,
		At:         ev.At.UnixMilli(),
	})
}

// Events publishes presence events on <prefix>.presence.<kind>.
type Events struct {
	nc       *nats.Conn
	subjects Subjects
}

func NewEvents(nc *nats.Conn, subjects Subjects) *Events {
	return &Events{nc: nc, subjects: subjects}
}

func (e *Events) Emit(ctx context.Context, ev domain.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return publish(ctx, e.nc, e.subjects.Presence(string(ev.Kind)), data)
}
