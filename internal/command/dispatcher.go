package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/audit"
	"github.com/benchlab/dcps/internal/transport"
)

// ErrUnknownVerb is returned for lines that name no verb.
var ErrUnknownVerb = errors.New("unknown verb")

// RawPort is implemented by adapters that expose unparsed SCPI access.
type RawPort interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string) (string, error)
}

type sessioned interface {
	Session() transport.Session
}

// Dispatcher runs verbs against one instrument.
type Dispatcher struct {
	inst      adapter.IInstrument
	journal   audit.Journal
	sessionID string
	resource  string
	timeout   time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithJournal records every executed verb to j.
func WithJournal(j audit.Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithTimeout bounds each verb. Zero leaves the caller's context alone.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithSessionID sets the session ID written to the journal.
func WithSessionID(id string) Option {
	return func(d *Dispatcher) { d.sessionID = id }
}

// New returns a dispatcher for inst.
func New(inst adapter.IInstrument, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		inst:      inst,
		journal:   audit.Nop{},
		sessionID: uuid.NewString(),
	}
	if s, ok := inst.(sessioned); ok {
		d.resource = s.Session().Resource()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SessionID returns the ID journaled with each verb.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// Instrument returns the instrument the dispatcher drives.
func (d *Dispatcher) Instrument() adapter.IInstrument { return d.inst }

// Execute parses and runs one line. The returned text is what the verb
// printed, empty for verbs that only act.
func (d *Dispatcher) Execute(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.ToLower(fields[0])
	v, ok := verbs[name]
	if !ok {
		return "", fmt.Errorf("%w %q (try help)", ErrUnknownVerb, fields[0])
	}
	args := fields[1:]
	if name == "raw" {
		// Keep the SCPI text intact.
		args = []string{strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	inv := &invocation{d: d, args: args, params: map[string]any{}}
	out, err := v.run(ctx, inv)
	if !v.silent {
		outcome, code := audit.Outcome(err)
		d.journal.Record(audit.Entry{
			SessionID: d.sessionID,
			Model:     d.inst.Model().Name,
			Resource:  d.resource,
			Action:    name,
			Channel:   inv.channel,
			Params:    inv.params,
			Outcome:   outcome,
			Code:      code,
			LatencyMs: time.Since(start).Milliseconds(),
		})
	}
	return out, err
}

// Help returns one usage line per verb, sorted.
func Help() []string {
	lines := make([]string, 0, len(verbs))
	for name, v := range verbs {
		lines = append(lines, fmt.Sprintf("%-10s %-12s %s", name, v.usage, v.help))
	}
	sort.Strings(lines)
	return lines
}

// Verbs returns the verb names, sorted.
func Verbs() []string {
	names := make([]string, 0, len(verbs))
	for name := range verbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invocation carries one verb's arguments and what gets journaled.
type invocation struct {
	d       *Dispatcher
	args    []string
	channel int
	params  map[string]any
}

func (inv *invocation) inst() adapter.IInstrument { return inv.d.inst }

// value parses the numeric argument at i.
func (inv *invocation) value(i int, name string) (float64, error) {
	if i >= len(inv.args) {
		return 0, fmt.Errorf("%w: missing %s", adapter.ErrInvalidParameter, name)
	}
	v, err := strconv.ParseFloat(inv.args[i], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", adapter.ErrInvalidParameter, name, inv.args[i])
	}
	inv.params[name] = v
	return v, nil
}

// target parses an optional channel argument at i.
func (inv *invocation) target(i int) ([]adapter.CallOption, error) {
	if i >= len(inv.args) {
		inv.channel = inv.inst().Channel()
		return nil, nil
	}
	ch, err := strconv.Atoi(inv.args[i])
	if err != nil {
		return nil, fmt.Errorf("%w: channel %q is not an integer", adapter.ErrInvalidParameter, inv.args[i])
	}
	inv.channel = ch
	return []adapter.CallOption{adapter.OnChannel(ch)}, nil
}

func (inv *invocation) maxArgs(n int) error {
	if len(inv.args) > n {
		return fmt.Errorf("%w: unexpected argument %q", adapter.ErrInvalidParameter, inv.args[n])
	}
	return nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func formatBool(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
