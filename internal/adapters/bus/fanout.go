package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Fanout relays room broadcasts and per-connection commands between gateways.
// Room broadcasts go to <prefix>.room.<vendor>; messages addressed to one
// connection go to <prefix>.direct.
type Fanout struct {
	nc       *nats.Conn
	subjects Subjects
}

func NewFanout(nc *nats.Conn, subjects Subjects) *Fanout {
	return &Fanout{nc: nc, subjects: subjects}
}

func (f *Fanout) subject(msg core.FanoutMessage) string {
	if msg.Conn != "" {
		return f.subjects.Direct()
	}
	return f.subjects.Room(string(msg.Room))
}

func (f *Fanout) Publish(ctx context.Context, msg core.FanoutMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode fanout: %w", err)
	}
	return publish(ctx, f.nc, f.subject(msg), data)
}

// Subscribe delivers every fan-out message to handle until the returned
// stop function runs. Filtering out this node's own messages is up to handle.
func (f *Fanout) Subscribe(handle func(core.FanoutMessage)) (stop func() error, err error) {
	cb := func(m *nats.Msg) {
		_, span := consumerContext(m)
		defer span.End()
		var msg core.FanoutMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("module", "bus.fanout").Str("subject", m.Subject).Msg("bad fanout message")
			return
		}
		handle(msg)
	}

	rooms, err := f.nc.Subscribe(f.subjects.AllRooms(), cb)
	if err != nil {
		return nil, fmt.Errorf("subscribe rooms: %w", err)
	}
	direct, err := f.nc.Subscribe(f.subjects.Direct(), cb)
	if err != nil {
		_ = rooms.Unsubscribe()
		return nil, fmt.Errorf("subscribe direct: %w", err)
	}
	return func() error {
		return errors.Join(rooms.Unsubscribe(), direct.Unsubscribe())
	}, nil
}
