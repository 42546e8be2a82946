package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "bus").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "bus").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	log.Info().Str("module", "bus").Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return nc, nil
}

// Subjects derives every subject the gateway uses from one prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) join(parts ...string) string {
	out := s.Prefix
	for _, p := range parts {
		if out == "" {
			out = p
			continue
		}
		out += "." + p
	}
	return out
}

func (s Subjects) Presence(kind string) string { return s.join("presence", kind) }

func (s Subjects) Resolve() string { return s.join("geo", "resolve") }

func (s Subjects) Record() string { return s.join("geo", "record") }

func (s Subjects) Room(vendor string) string { return s.join("room", vendor) }

func (s Subjects) AllRooms() string { return s.join("room", "*") }

func (s Subjects) Direct() string { return s.join("direct") }
