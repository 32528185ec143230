package trace

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	SessionID string
	Direction *Direction
	Kind      *Kind
	// Contains matches events whose Data includes this substring.
	Contains string
	// Since and Until bound the timestamp, [Since, Until).
	Since time.Time
	Until time.Time
}

func (f Filter) matches(e Event) bool {
	switch {
	case f.SessionID != "" && e.SessionID != f.SessionID:
		return false
	case f.Direction != nil && e.Direction != *f.Direction:
		return false
	case f.Kind != nil && e.Kind != *f.Kind:
		return false
	case f.Contains != "" && !strings.Contains(e.Data, f.Contains):
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !e.Timestamp.Before(f.Until):
		return false
	}
	return true
}

// Reader streams events from a trace file.
type Reader struct {
	file   *os.File
	dec    *cbor.Decoder
	filter Filter
}

// NewReader opens a trace file and returns events matching filter.
func NewReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, dec: newDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		if err := r.dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.matches(e) {
			return e, nil
		}
	}
}

// All reads every remaining matching event.
func (r *Reader) All() ([]Event, error) {
	var out []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}
