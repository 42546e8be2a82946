package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Nearby/internal/adapters/store"
	"github.com/dkeye/Nearby/internal/app"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

func TestMembershipJoinLeaveIdempotent(t *testing.T) {
	m := app.NewMembership(store.NewMemory(), app.Keys{Prefix: "t:"}, time.Minute, time.Second)
	ctx := context.Background()

	apply := func() {
		for _, room := range []domain.RoomID{"A", "B"} {
			if err := m.Join(ctx, "u1", "c1", room); err != nil {
				t.Fatalf("Join %s: %v", room, err)
			}
		}
		if err := m.Leave(ctx, "u1", "c1", "Z"); err != nil {
			t.Fatalf("Leave of unjoined room: %v", err)
		}
	}
	apply()
	once, _ := m.RoomsOf(ctx, "u1")
	apply()
	twice, _ := m.RoomsOf(ctx, "u1")

	if len(once) != 2 || len(twice) != 2 || !twice.Has("A") || !twice.Has("B") {
		t.Fatalf("rooms once = %v, twice = %v", once.Sorted(), twice.Sorted())
	}
	members, _ := m.Members(ctx, "A")
	if len(members) != 1 || members[0] != "c1" {
		t.Errorf("Members(A) = %v", members)
	}

	for range 2 {
		if err := m.Leave(ctx, "u1", "c1", "A"); err != nil {
			t.Fatalf("Leave: %v", err)
		}
	}
	rooms, _ := m.RoomsOf(ctx, "u1")
	if !rooms.Has("B") || rooms.Has("A") {
		t.Errorf("RoomsOf after Leave = %v", rooms.Sorted())
	}
	if members, _ := m.Members(ctx, "A"); len(members) != 0 {
		t.Errorf("Members(A) after Leave = %v", members)
	}
}

func TestMembershipEvictAndDrop(t *testing.T) {
	m := app.NewMembership(store.NewMemory(), app.Keys{}, 0, 0)
	ctx := context.Background()
	_ = m.Join(ctx, "u1", "c1", "V")
	_ = m.Join(ctx, "u2", "c2", "V")

	if err := m.Evict(ctx, "V", "c1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	members, _ := m.Members(ctx, "V")
	if len(members) != 1 || members[0] != "c2" {
		t.Errorf("Members after Evict = %v", members)
	}
	rooms, _ := m.RoomsOf(ctx, "u1")
	if !rooms.Has("V") {
		t.Error("Evict must not touch the user's room set")
	}

	if err := m.DropRoom(ctx, "V"); err != nil {
		t.Fatalf("DropRoom: %v", err)
	}
	if members, _ := m.Members(ctx, "V"); len(members) != 0 {
		t.Errorf("Members after DropRoom = %v", members)
	}
	if err := m.ClearUser(ctx, "u1"); err != nil {
		t.Fatalf("ClearUser: %v", err)
	}
	if rooms, _ := m.RoomsOf(ctx, "u1"); len(rooms) != 0 {
		t.Errorf("RoomsOf after ClearUser = %v", rooms.Sorted())
	}
}

type nopConn struct{ frames int }

func (c *nopConn) TrySend(core.Frame) error { c.frames++; return nil }
func (c *nopConn) Close()                   {}

func TestHubSubscriptionsFollowAttachment(t *testing.T) {
	h := app.NewHub(app.NewRoomManager())

	if h.Subscribe("V", "ghost") {
		t.Error("Subscribe of an unattached connection should be a no-op")
	}

	c := &nopConn{}
	h.Attach("c1", c)
	if !h.Subscribe("V", "c1") || h.Subscribe("V", "c1") {
		t.Error("Subscribe should add once")
	}
	if res := h.Broadcast("V", core.Frame("x")); res.SendTo != 1 {
		t.Errorf("Broadcast SendTo = %d", res.SendTo)
	}
	if len(h.Rooms()) != 1 {
		t.Errorf("Rooms = %v", h.Rooms())
	}

	rooms := h.Detach("c1")
	if len(rooms) != 1 || rooms[0] != "V" {
		t.Errorf("Detach rooms = %v", rooms)
	}
	if len(h.Rooms()) != 0 {
		t.Errorf("room survived its last subscriber: %v", h.Rooms())
	}
	if err := h.SendTo("c1", core.Frame("x")); err != domain.ErrNotLocal {
		t.Errorf("SendTo detached = %v, want ErrNotLocal", err)
	}
}
