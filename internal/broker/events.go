package broker

import (
	"sync/atomic"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/grid"
)

// Mutation is a request to overwrite one cell.
type Mutation struct {
	DocumentID string
	ActorID    string
	Row        int
	Col        int
	RawValue   string
	Format     *grid.Format
}

// Delta is the broadcast form of a committed cell. It has the same shape
// as grid.Cell: {row, col, rawValue, formula?, displayValue, format?,
// revision}.
type Delta grid.Cell

// Bootstrap is the full grid handed to a joining subscriber.
type Bootstrap struct {
	DocumentID string      `json:"documentId"`
	Revision   int64       `json:"revision"`
	Cells      []grid.Cell `json:"cells"`
}

// CursorPresence is an actor's advisory cursor position.
type CursorPresence struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Color    string `json:"color"`
}

// EventType distinguishes subscriber events.
type EventType int

const (
	// EventDelta carries a committed cell.
	EventDelta EventType = iota + 1
	// EventCursor carries another actor's cursor position.
	EventCursor
	// EventCursorLeave reports that an actor's cursor is gone.
	EventCursorLeave
)

// Event is delivered to subscribers in broker application order.
type Event struct {
	Type   EventType
	Delta  *Delta
	Cursor *CursorPresence
	UserID string // EventCursorLeave
}

// Subscription is one joined session on a document.
//
// Events() is closed when the subscription ends, either through Leave or
// because the subscriber fell too far behind (Dropped reports true). A
// dropped subscriber must join again to resynchronize.
type Subscription struct {
	id        string
	actor     auth.Actor
	role      auth.Role
	bootstrap Bootstrap
	events    chan Event
	dropped   atomic.Bool

	// closed is owned by the broker loop.
	closed bool
}

// ID returns the subscription's unique ID.
func (s *Subscription) ID() string { return s.id }

// Actor returns the joined actor.
func (s *Subscription) Actor() auth.Actor { return s.actor }

// Role returns the actor's role at join time.
func (s *Subscription) Role() auth.Role { return s.role }

// Bootstrap returns the grid as of the join. Every event on Events()
// follows it.
func (s *Subscription) Bootstrap() Bootstrap { return s.bootstrap }

// Events returns the event stream.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped reports whether the broker cut the subscription off for falling
// behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }
