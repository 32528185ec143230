package adaptertest

import (
	"strings"
	"sync"

	"github.com/benchlab/dcps/internal/adapter"
)

// DefaultIDN is the identification string the mirror answers *IDN? with.
// It contains spaces and ends in letters so that label stripping meant for
// numeric replies shows up as a mangled identification.
const DefaultIDN = "BENCHLAB,BENCH MIRROR,0001,FW 1.0 REV A"

// setQuery pairs a setpoint operation with the query that reads it back.
var setQuery = []struct{ set, query adapter.Op }{
	{adapter.OpSetVoltage, adapter.OpQueryVoltage},
	{adapter.OpSetCurrent, adapter.OpQueryCurrent},
	{adapter.OpSetVoltageProtection, adapter.OpQueryVoltageProtection},
	{adapter.OpSetCurrentProtection, adapter.OpQueryCurrentProtection},
}

// Decorator shapes a mirrored value the way the instrument would print it,
// e.g. "V1 5.000" instead of "5.000".
type Decorator func(op adapter.Op, ch int, value string) string

// Mirror is a fake instrument built from a model's own command table. It
// remembers the value text of every setpoint written and echoes it back to
// the matching query, tracking the selected channel for select-style
// models. Any other query is answered with "0".
type Mirror struct {
	model    adapter.Model
	decorate Decorator

	mu       sync.Mutex
	selected int
	values   map[mirrorKey]string
	selects  map[string]int
}

type mirrorKey struct {
	op adapter.Op
	ch int
}

// NewMirror returns a mirror for m. decorate may be nil.
func NewMirror(m adapter.Model, decorate Decorator) *Mirror {
	mr := &Mirror{
		model:    m,
		decorate: decorate,
		selected: 1,
		values:   map[mirrorKey]string{},
		selects:  map[string]int{},
	}
	for ch := 1; ch <= m.MaxChannel(); ch++ {
		if lines := m.Wire(adapter.OpSelect, ch, ""); len(lines) > 0 {
			mr.selects[lines[len(lines)-1]] = ch
		}
	}
	return mr
}

// Handle is a fake.Session Handler.
func (mr *Mirror) Handle(cmd string) (string, bool) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	switch cmd {
	case "*OPC?":
		return "1", true
	case "*IDN?":
		return DefaultIDN, true
	}
	if ch, ok := mr.selects[cmd]; ok {
		mr.selected = ch
		return "", false
	}
	if errQuery := mr.model.Wire(adapter.OpError, 0, ""); len(errQuery) > 0 && cmd == errQuery[len(errQuery)-1] {
		return `0,"No error"`, true
	}

	for _, pair := range setQuery {
		for ch := 1; ch <= mr.model.MaxChannel(); ch++ {
			key := mirrorKey{pair.query, mr.channelFor(pair.set, ch)}
			if head, ok := mr.setHead(pair.set, ch); ok && strings.HasPrefix(cmd, head) {
				mr.values[key] = strings.TrimSpace(cmd[len(head):])
				return "", false
			}
			if q := mr.model.Wire(pair.query, ch, ""); len(q) > 0 && cmd == q[len(q)-1] {
				key = mirrorKey{pair.query, mr.channelFor(pair.query, ch)}
				v, ok := mr.values[key]
				if !ok {
					v = "0"
				}
				if mr.decorate != nil {
					v = mr.decorate(pair.query, key.ch, v)
				}
				return v, true
			}
		}
	}

	if isQuery(cmd) {
		return "0", true
	}
	return "", false
}

// Value returns the last value text written for query op on channel ch.
func (mr *Mirror) Value(op adapter.Op, ch int) (string, bool) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	v, ok := mr.values[mirrorKey{op, ch}]
	return v, ok
}

// setHead returns the text preceding the value in the last line of op's
// commands for channel ch.
func (mr *Mirror) setHead(op adapter.Op, ch int) (string, bool) {
	const marker = "\x00"
	lines := mr.model.Wire(op, ch, marker)
	if len(lines) == 0 {
		return "", false
	}
	head, _, ok := strings.Cut(lines[len(lines)-1], marker)
	return head, ok && head != ""
}

func (mr *Mirror) channelFor(op adapter.Op, ch int) int {
	if mr.model.EmbedsChannel(op) || mr.model.MaxChannel() == 1 {
		return ch
	}
	return mr.selected
}

func isQuery(cmd string) bool {
	f := strings.Fields(cmd)
	return len(f) > 0 && strings.HasSuffix(f[0], "?")
}
