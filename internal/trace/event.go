package trace

import (
	"time"
)

// Event is one captured exchange step.
type Event struct {
	// Timestamp when the step finished.
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the session (UUID) the step belongs to.
	SessionID string `cbor:"2,keyasint"`

	// Resource is the VISA resource string of the session.
	Resource string `cbor:"3,keyasint,omitempty"`

	Direction Direction `cbor:"4,keyasint"`
	Kind      Kind      `cbor:"5,keyasint"`

	// Data is the command sent or the reply received, without terminations.
	Data string `cbor:"6,keyasint,omitempty"`

	// Error is the failure text for KindError events.
	Error string `cbor:"7,keyasint,omitempty"`

	// Elapsed is how long the step took.
	Elapsed time.Duration `cbor:"8,keyasint,omitempty"`
}

// Direction of the data relative to the host.
type Direction uint8

const (
	DirectionOut Direction = 0
	DirectionIn  Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "OUT"
	case DirectionIn:
		return "IN"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies an event.
type Kind uint8

const (
	KindOpen  Kind = 0
	KindClose Kind = 1
	KindWrite Kind = 2
	KindRead  Kind = 3
	KindError Kind = 4
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindClose:
		return "CLOSE"
	case KindWrite:
		return "WRITE"
	case KindRead:
		return "READ"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
