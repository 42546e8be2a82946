package orch

import (
	"context"
	"sync"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

type State int

const (
	Connecting State = iota
	Registered
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// allowed lists legal transitions. Disconnected is terminal.
var allowed = map[State][]State{
	Connecting: {Registered, Disconnected},
	Registered: {Registered, Active, Disconnected},
	Active:     {Active, Disconnected},
}

// Session is one connection's walk through the presence state machine.
// Its context is cancelled on disconnect so in-flight work stops early.
type Session struct {
	conn   domain.ConnectionID
	sc     core.SignalConnection
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	entity domain.Entity

	// positions holds at most one vendor position waiting to be recorded.
	positions chan domain.Coordinate
	recorder  sync.Once
}

func (s *Session) Conn() domain.ConnectionID { return s.conn }

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Entity is set once registration succeeds.
func (s *Session) Entity() (domain.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connecting || s.state == Disconnected {
		return domain.Entity{}, false
	}
	return s.entity, true
}

func (s *Session) Send(f core.Frame) error { return s.sc.TrySend(f) }

func (s *Session) advance(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(to)
}

func (s *Session) advanceLocked(to State) bool {
	for _, next := range allowed[s.state] {
		if next == to {
			s.state = to
			return true
		}
	}
	return false
}

// offerPosition queues at for the recorder, replacing a position it has not
// taken yet. Dispatch is sequential, so there is a single producer.
func (s *Session) offerPosition(at domain.Coordinate) {
	for {
		select {
		case s.positions <- at:
			return
		default:
		}
		select {
		case <-s.positions:
		default:
		}
	}
}

// bind attaches ent on first registration. A connection serves one entity.
func (s *Session) bind(ent domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting && s.entity != ent {
		return domain.ErrAlreadyBound
	}
	if s.state == Active {
		return nil
	}
	if !s.advanceLocked(Registered) {
		return domain.ErrUnregistered
	}
	s.entity = ent
	return nil
}
