package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	framePong       = core.Encode(core.StatusMsg{Type: "pong"})
	frameSuperseded = core.Encode(core.StatusMsg{Type: "superseded"})
	frameExpired    = core.Encode(core.StatusMsg{Type: "expired"})
)

// Connect attaches a freshly accepted transport connection and starts its
// session in Connecting.
func (o *Orchestrator) Connect(ctx context.Context, sc core.SignalConnection) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		conn:   domain.ConnectionID(uuid.NewString()),
		sc:     sc,
		ctx:    sctx,
		cancel: cancel,
		state:  Connecting,

		positions: make(chan domain.Coordinate, 1),
	}
	o.Hub.Attach(s.conn, sc)
	o.instruments().Connections.Add(ctx, 1)
	log.Info().Str("module", "orch").Str("conn", string(s.conn)).Msg("connected")
	return s
}

// Dispatch handles one inbound message. Messages from one session must be
// dispatched sequentially, in arrival order.
func (o *Orchestrator) Dispatch(ctx context.Context, s *Session, msg core.Inbound) error {
	switch m := msg.(type) {
	case core.Register:
		return o.RegisterEntity(ctx, s, m.Entity)
	case core.Disconnect:
		o.HandleDisconnect(s)
		return nil
	}

	ent, ok := s.Entity()
	if !ok {
		return domain.ErrUnregistered
	}
	if !o.Registry.Touch(ctx, s.conn) {
		return o.closeGone(ctx, s, ent)
	}
	s.advance(Active)

	switch m := msg.(type) {
	case core.Ping:
		_ = s.Send(framePong)
		return nil
	case core.LocationUpdate:
		return o.HandleLocationUpdate(ctx, s, ent, m)
	default:
		return domain.ErrUnknownMessage
	}
}

// closeGone closes a connection whose registration is no longer current and
// tells the peer whether a newer registration replaced it or it lapsed.
func (o *Orchestrator) closeGone(ctx context.Context, s *Session, ent domain.Entity) error {
	reason, frame, err := "expired", frameExpired, domain.ErrExpired
	if cur, ok, lerr := o.Registry.LookupConnection(ctx, ent); lerr == nil && ok && cur != s.conn {
		reason, frame, err = "superseded", frameSuperseded, domain.ErrSuperseded
	}
	log.Info().Str("module", "orch").Str("conn", string(s.conn)).Str("entity", ent.String()).Str("reason", reason).Msg("registration gone, closing")
	o.kick(s.conn, frame)
	return err
}

// RegisterEntity binds the session to ent. A registry failure rejects the
// connection; the caller should close it.
func (o *Orchestrator) RegisterEntity(ctx context.Context, s *Session, ent domain.Entity) error {
	if cur, ok := s.Entity(); ok && cur != ent {
		return domain.ErrAlreadyBound
	}

	prev, err := o.Registry.Register(ctx, ent, s.conn)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("conn", string(s.conn)).Str("entity", ent.String()).Msg("register failed")
		return fmt.Errorf("%w: %w", domain.ErrRegisterFailed, err)
	}
	if err := s.bind(ent); err != nil {
		// Lost a race with disconnect; the cascade may have missed our mapping.
		o.runCascade(s.conn)
		return err
	}
	if prev != "" {
		o.supersede(ctx, ent, prev)
	}

	_ = s.Send(core.Encode(core.RegisteredMsg{Type: "registered", Conn: s.conn, Entity: ent}))
	return nil
}

// supersede unwinds the connection that ent held before re-registering.
// Last writer wins: the old connection is closed wherever it lives.
func (o *Orchestrator) supersede(ctx context.Context, ent domain.Entity, prev domain.ConnectionID) {
	logger := log.With().Str("module", "orch").Str("entity", ent.String()).Str("prev", string(prev)).Logger()

	if ent.IsUser() {
		rooms, err := o.Membership.RoomsOf(ctx, ent.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("supersede: rooms unreadable, leaving to TTL")
		}
		for room := range rooms {
			if err := o.Membership.Evict(ctx, room, prev); err != nil {
				logger.Warn().Err(err).Str("room", string(room)).Msg("supersede: evict failed")
			}
		}
		// The next location update rejoins every desired room on the new connection.
		if err := o.Membership.ClearUser(ctx, ent.ID); err != nil {
			logger.Warn().Err(err).Msg("supersede: clear rooms failed")
		}
	}

	if o.kick(prev, frameSuperseded) {
		o.Hub.Detach(prev)
		logger.Info().Msg("superseded locally")
		return
	}
	if o.Fanout != nil {
		msg := core.FanoutMessage{Node: o.NodeID, Conn: prev, Close: true, Frame: frameSuperseded}
		if err := o.Fanout.Publish(ctx, msg); err != nil {
			logger.Warn().Err(err).Msg("supersede: fanout failed")
		}
	}
	logger.Info().Msg("superseded")
}

// Heartbeat refreshes presence outside of message handling, e.g. on transport pongs.
func (o *Orchestrator) Heartbeat(s *Session) {
	if _, ok := s.Entity(); !ok {
		return
	}
	o.Registry.Touch(s.ctx, s.conn)
}

// HandleDisconnect is terminal. It cancels in-flight work for the session
// and runs the cascade without waiting for that work to finish.
func (o *Orchestrator) HandleDisconnect(s *Session) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = Disconnected
	s.mu.Unlock()

	s.cancel()
	o.Hub.Detach(s.conn)
	s.sc.Close()
	telemetry.Inc(o.instruments().Cascades, telemetry.Kind(prev.String()))
	o.instruments().Connections.Add(context.Background(), -1)
	log.Info().Str("module", "orch").Str("conn", string(s.conn)).Str("from", prev.String()).Msg("disconnected")

	o.runCascade(s.conn)
}
