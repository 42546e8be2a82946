package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Nearby/internal/app"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HandleLocationUpdate runs one update cycle for ent. Vendors send a
// position; users send a viewport.
func (o *Orchestrator) HandleLocationUpdate(ctx context.Context, s *Session, ent domain.Entity, m core.LocationUpdate) error {
	if ent.IsVendor() {
		if m.Position == nil {
			return domain.ErrWrongUpdateKind
		}
		if err := m.Position.Validate(); err != nil {
			return err
		}
		o.recordPosition(s, ent.ID, *m.Position)
		o.Broadcast(ctx, ent.Room(), core.Encode(core.VendorLocationMsg{
			Type:     "vendor_location",
			Vendor:   ent.ID,
			Position: *m.Position,
		}))
		return nil
	}

	if m.Viewport == nil {
		return domain.ErrWrongUpdateKind
	}
	if err := m.Viewport.Validate(); err != nil {
		return err
	}
	return o.updateUserRooms(ctx, s, ent, *m.Viewport)
}

// recordPosition hands the position to the session's recorder and returns at
// once. The broadcast that follows never waits for it.
func (o *Orchestrator) recordPosition(s *Session, vendor domain.EntityID, at domain.Coordinate) {
	s.recorder.Do(func() { go o.runRecorder(s, vendor) })
	s.offerPosition(at)
}

// runRecorder writes one session's positions in arrival order. Only the
// latest unwritten position is kept; failures are only logged.
func (o *Orchestrator) runRecorder(s *Session, vendor domain.EntityID) {
	ctx := context.WithoutCancel(s.ctx)
	for {
		select {
		case at := <-s.positions:
			o.persistPosition(ctx, vendor, at)
		case <-s.ctx.Done():
			// The last accepted position still lands after disconnect.
			select {
			case at := <-s.positions:
				o.persistPosition(ctx, vendor, at)
			default:
			}
			return
		}
	}
}

func (o *Orchestrator) persistPosition(ctx context.Context, vendor domain.EntityID, at domain.Coordinate) {
	ctx, cancel := context.WithTimeout(ctx, o.resolverTimeout())
	defer cancel()
	if err := o.Resolver.RecordPosition(ctx, vendor, at); err != nil {
		telemetry.Inc(o.instruments().ResolverFailures, telemetry.Kind("record"))
		log.Warn().Err(err).Str("module", "orch.geo").Str("vendor", string(vendor)).Msg("position not recorded")
	}
}

// updateUserRooms is all-or-nothing on the resolver and best-effort per room
// after it: a room whose write fails is skipped and the rest still apply.
func (o *Orchestrator) updateUserRooms(ctx context.Context, s *Session, user domain.Entity, viewport domain.Bounds) error {
	logger := log.With().Str("module", "orch.geo").Str("entity", user.String()).Str("conn", string(s.conn)).Logger()

	rctx, cancel := context.WithTimeout(ctx, o.resolverTimeout())
	nearby, err := o.Resolver.ResolveNearby(rctx, viewport)
	cancel()
	if err != nil {
		telemetry.Inc(o.instruments().ResolverFailures, telemetry.Kind("resolve"))
		logger.Warn().Err(err).Msg("resolve failed, update abandoned")
		return domain.ErrUpdateFailed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	desired := make(core.RoomSet, len(nearby))
	for _, id := range nearby {
		if id != "" {
			desired[domain.RoomID(id)] = struct{}{}
		}
	}

	current, err := o.Membership.RoomsOf(ctx, user.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("current rooms unreadable, update abandoned")
		return domain.ErrUpdateFailed
	}

	toJoin, toLeave := core.Diff(current, desired)
	var joined, left []domain.RoomID
	failed := make(core.RoomSet)

	for _, room := range toLeave.Sorted() {
		if err := o.Membership.Leave(ctx, user.ID, s.conn, room); err != nil {
			o.inconsistent(logger, room, "leave", err)
			failed[room] = struct{}{}
			continue
		}
		left = append(left, room)
	}
	for _, room := range toJoin.Sorted() {
		if err := o.Membership.Join(ctx, user.ID, s.conn, room); err != nil {
			o.inconsistent(logger, room, "join", err)
			failed[room] = struct{}{}
			continue
		}
		joined = append(joined, room)
	}

	if ctx.Err() != nil {
		// Disconnected mid-cycle. The cascade may have read the room set
		// before these joins landed.
		o.undoJoins(user.ID, s.conn, joined)
		return ctx.Err()
	}

	// Transport subscriptions follow the store record, including for rooms
	// whose write failed this cycle.
	for room := range o.Hub.Subscriptions(s.conn) {
		if !desired.Has(room) && !failed.Has(room) {
			o.Hub.Unsubscribe(room, s.conn)
		}
	}
	for room := range desired {
		if !failed.Has(room) {
			o.Hub.Subscribe(room, s.conn)
		}
	}

	_ = s.Send(core.Encode(core.NearbyMsg{Type: "nearby", Vendors: desired.Sorted()}))

	if len(joined) > 0 || len(left) > 0 {
		o.emit(ctx, domain.Event{
			Kind:   domain.EventMembershipChanged,
			Entity: user,
			Conn:   s.conn,
			Joined: joined,
			Left:   left,
		})
	}
	logger.Debug().Int("joined", len(joined)).Int("left", len(left)).Int("failed", len(failed)).Int("desired", len(desired)).Msg("rooms updated")
	return nil
}

func (o *Orchestrator) inconsistent(logger zerolog.Logger, room domain.RoomID, op string, err error) {
	telemetry.Inc(o.instruments().InconsistentRooms, telemetry.Kind(op))
	logger.Warn().Err(err).Str("room", string(room)).Str("op", op).Msg("room membership inconsistent, skipped")
}

func (o *Orchestrator) undoJoins(user domain.EntityID, conn domain.ConnectionID, rooms []domain.RoomID) {
	ctx, cancel := context.WithTimeout(context.Background(), o.Cascade.timeout())
	defer cancel()
	for _, room := range rooms {
		if err := o.Membership.Leave(ctx, user, conn, room); err != nil {
			log.Warn().Err(err).Str("module", "orch.geo").Str("conn", string(conn)).Str("room", string(room)).Msg("late join not undone, left to TTL")
		}
	}
}

// Broadcast delivers frame to every subscriber of room on this gateway and,
// when fan-out is configured, to the other gateways. It never blocks on a
// recipient and returns the local delivery count.
func (o *Orchestrator) Broadcast(ctx context.Context, room domain.RoomID, frame core.Frame) int {
	res := o.Hub.Broadcast(room, frame)
	o.handleDropped(room, res.Dropped)

	if o.Fanout != nil {
		msg := core.FanoutMessage{Node: o.NodeID, Room: room, Frame: frame}
		if err := o.Fanout.Publish(context.WithoutCancel(ctx), msg); err != nil {
			log.Warn().Err(err).Str("module", "orch.broadcast").Str("room", string(room)).Msg("fanout publish failed")
		}
	}
	return res.SendTo
}

func (o *Orchestrator) policy() app.Policy {
	if o.Policy == nil {
		return app.KickPolicy{}
	}
	return o.Policy
}

func (o *Orchestrator) handleDropped(room domain.RoomID, dropped []domain.ConnectionID) {
	for _, conn := range dropped {
		telemetry.Inc(o.instruments().BroadcastDropped)
		switch o.policy().OnBackPressure(room, conn) {
		case app.KickMember:
			o.kick(conn, nil)
		case app.DropFrame, app.NoAction:
		}
	}
}

// deliver addresses one member wherever it is attached.
func (o *Orchestrator) deliver(ctx context.Context, room domain.RoomID, conn domain.ConnectionID, frame core.Frame, unsubscribe, closeConn bool) {
	if _, ok := o.Hub.Conn(conn); ok {
		o.applyDirect(room, conn, frame, unsubscribe, closeConn)
		return
	}
	if o.Fanout == nil {
		return
	}
	msg := core.FanoutMessage{
		Node:        o.NodeID,
		Room:        room,
		Conn:        conn,
		Unsubscribe: unsubscribe,
		Close:       closeConn,
		Frame:       frame,
	}
	if err := o.Fanout.Publish(context.WithoutCancel(ctx), msg); err != nil {
		log.Warn().Err(err).Str("module", "orch.broadcast").Str("conn", string(conn)).Msg("direct fanout failed")
	}
}

func (o *Orchestrator) applyDirect(room domain.RoomID, conn domain.ConnectionID, frame core.Frame, unsubscribe, closeConn bool) {
	if unsubscribe && room != "" {
		o.Hub.Unsubscribe(room, conn)
	}
	if frame != nil {
		if err := o.Hub.SendTo(conn, frame); errors.Is(err, core.ErrBackpressure) {
			o.handleDropped(room, []domain.ConnectionID{conn})
		}
	}
	if closeConn {
		o.kick(conn, nil)
	}
}

// OnFanout applies a message published by another gateway.
func (o *Orchestrator) OnFanout(msg core.FanoutMessage) {
	if msg.Node == o.NodeID {
		return
	}
	if msg.Conn != "" {
		if _, ok := o.Hub.Conn(msg.Conn); ok {
			o.applyDirect(msg.Room, msg.Conn, msg.Frame, msg.Unsubscribe, msg.Close)
		}
		return
	}
	if msg.Room != "" {
		res := o.Hub.Broadcast(msg.Room, msg.Frame)
		o.handleDropped(msg.Room, res.Dropped)
	}
}
