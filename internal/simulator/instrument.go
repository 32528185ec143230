package simulator

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
)

// Fault selects a misbehaviour.
type Fault string

const (
	FaultNone Fault = "none"
	// FaultGarbage answers every query with non-numeric text.
	FaultGarbage Fault = "garbage"
	// FaultSilent drops every reply so clients time out.
	FaultSilent Fault = "silent"
	// FaultReject refuses every setting command with a -221 error.
	FaultReject Fault = "reject"
)

// ParseFault validates s.
func ParseFault(s string) (Fault, error) {
	switch f := Fault(strings.ToLower(s)); f {
	case FaultNone, FaultGarbage, FaultSilent, FaultReject:
		return f, nil
	case "":
		return FaultNone, nil
	}
	return "", fmt.Errorf("unknown fault %q", s)
}

// maxErrors is the error queue depth.
const maxErrors = 16

// Channel is the state of one output.
type Channel struct {
	Voltage    float64 `json:"voltage"`
	Current    float64 `json:"current"`
	Output     bool    `json:"output"`
	OVP        float64 `json:"ovp"`
	OCP        float64 `json:"ocp"`
	OVPOn      bool    `json:"ovpOn"`
	OCPOn      bool    `json:"ocpOn"`
	OVPTripped bool    `json:"ovpTripped"`
	OCPTripped bool    `json:"ocpTripped"`
	// MeasuredVoltage and MeasuredCurrent are what the load draws.
	MeasuredVoltage float64 `json:"measuredVoltage"`
	MeasuredCurrent float64 `json:"measuredCurrent"`
}

// State is a snapshot of the instrument.
type State struct {
	Dialect  string    `json:"dialect"`
	Fault    Fault     `json:"fault"`
	Selected int       `json:"selected"`
	Remote   bool      `json:"remote"`
	Locked   bool      `json:"locked"`
	Beeper   bool      `json:"beeper"`
	LoadOhms float64   `json:"loadOhms"`
	Errors   []string  `json:"errors"`
	Channels []Channel `json:"channels"`
}

// Options configure New.
type Options struct {
	Dialect    string
	Channels   int
	MaxVoltage float64
	MaxCurrent float64
	LoadOhms   float64
	// IDN overrides the *IDN? reply.
	IDN    string
	Logger *slog.Logger
}

type scpiError struct {
	code int
	msg  string
}

func (e *scpiError) Error() string { return fmt.Sprintf("%d,%q", e.code, e.msg) }

var (
	errUndefinedHeader = &scpiError{-113, "Undefined header"}
	errDataOutOfRange  = &scpiError{-222, "Data out of range"}
	errSettings        = &scpiError{-221, "Settings conflict"}
	errMissingParam    = &scpiError{-109, "Missing parameter"}
	errQueueOverflow   = &scpiError{-350, "Queue overflow"}
)

// Instrument is an emulated supply. It is safe for concurrent use.
type Instrument struct {
	mu       sync.Mutex
	dialect  *dialect
	opts     Options
	logger   *slog.Logger
	fault    Fault
	selected int
	remote   bool
	locked   bool
	beeper   bool
	errors   []*scpiError
	channels []Channel
}

// New returns an instrument in its power-on state.
func New(opts Options) (*Instrument, error) {
	d, ok := dialects[strings.ToLower(opts.Dialect)]
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q", opts.Dialect)
	}
	if opts.Channels < 1 {
		opts.Channels = 1
	}
	if opts.MaxVoltage <= 0 {
		opts.MaxVoltage = 30
	}
	if opts.MaxCurrent <= 0 {
		opts.MaxCurrent = 3
	}
	if opts.LoadOhms <= 0 {
		opts.LoadOhms = 10
	}
	if opts.IDN == "" {
		opts.IDN = d.idn
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	in := &Instrument{dialect: d, opts: opts, logger: opts.Logger, fault: FaultNone}
	in.reset()
	return in, nil
}

// reset restores the power-on state. The fault survives.
func (in *Instrument) reset() {
	in.selected = 1
	in.remote = false
	in.locked = false
	in.beeper = true
	in.errors = nil
	in.channels = make([]Channel, in.opts.Channels)
	for i := range in.channels {
		in.channels[i] = Channel{
			OVP:   in.opts.MaxVoltage * 1.1,
			OCP:   in.opts.MaxCurrent * 1.1,
			OVPOn: in.dialect.protectionAlwaysOn,
			OCPOn: in.dialect.protectionAlwaysOn,
		}
	}
}

// Reset restores the power-on state and clears the fault.
func (in *Instrument) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.reset()
	in.fault = FaultNone
}

// SetFault changes the active fault.
func (in *Instrument) SetFault(f Fault) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fault = f
	in.logger.Info("simulator fault set", "fault", f)
}

// Trip latches a protection trip on channel ch as the hardware would.
func (in *Instrument) Trip(ch int, overVoltage bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	c, err := in.channel(ch)
	if err != nil {
		return fmt.Errorf("channel %d outside 1..%d", ch, len(in.channels))
	}
	if overVoltage {
		c.OVPTripped = true
	} else {
		c.OCPTripped = true
	}
	c.Output = false
	return nil
}

// Snapshot returns the current state.
func (in *Instrument) Snapshot() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	st := State{
		Dialect:  in.dialect.name,
		Fault:    in.fault,
		Selected: in.selected,
		Remote:   in.remote,
		Locked:   in.locked,
		Beeper:   in.beeper,
		LoadOhms: in.opts.LoadOhms,
		Errors:   make([]string, 0, len(in.errors)),
		Channels: make([]Channel, len(in.channels)),
	}
	for _, e := range in.errors {
		st.Errors = append(st.Errors, e.Error())
	}
	for i, c := range in.channels {
		c.MeasuredVoltage, c.MeasuredCurrent = in.measure(&in.channels[i])
		st.Channels[i] = c
	}
	return st
}

// Execute runs one program message, which may hold several commands
// separated by ';'. It returns the reply and whether there is one.
func (in *Instrument) Execute(line string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	var replies []string
	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if reply, ok := in.execute(part); ok {
			replies = append(replies, reply)
		}
	}
	if len(replies) == 0 {
		return "", false
	}
	return strings.Join(replies, ";"), true
}

func (in *Instrument) execute(cmd string) (string, bool) {
	head, rest, _ := strings.Cut(cmd, " ")
	query := strings.HasSuffix(head, "?")
	head = strings.TrimSuffix(head, "?")
	var args []string
	if rest = strings.TrimSpace(rest); rest != "" {
		for _, a := range strings.Split(rest, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}

	r, ch, ok := in.dialect.lookup(head, query)
	if !ok {
		in.logger.Debug("simulator undefined header", "cmd", cmd)
		in.push(errUndefinedHeader)
		return "", false
	}

	switch {
	case query && in.fault == FaultSilent:
		return "", false
	case query && in.fault == FaultGarbage && !r.common:
		return "GARBAGE", true
	case !query && in.fault == FaultReject && !r.common:
		in.push(errSettings)
		return "", false
	}

	reply, err := r.run(in, call{ch: ch, args: args})
	if err != nil {
		in.logger.Debug("simulator command failed", "cmd", cmd, "err", err)
		var se *scpiError
		if e, ok := err.(*scpiError); ok {
			se = e
		} else {
			se = errDataOutOfRange
		}
		in.push(se)
		return "", false
	}
	in.evaluate()
	return reply, query
}

func (in *Instrument) push(e *scpiError) {
	if len(in.errors) >= maxErrors {
		in.errors[maxErrors-1] = errQueueOverflow
		return
	}
	in.errors = append(in.errors, e)
}

func (in *Instrument) pop() *scpiError {
	if len(in.errors) == 0 {
		return nil
	}
	e := in.errors[0]
	in.errors = in.errors[1:]
	return e
}

func (in *Instrument) channel(ch int) (*Channel, error) {
	if ch < 1 || ch > len(in.channels) {
		return nil, errDataOutOfRange
	}
	return &in.channels[ch-1], nil
}

// measure applies the resistive load: the supply regulates voltage until
// the load would draw more than the current setpoint.
func (in *Instrument) measure(c *Channel) (v, i float64) {
	if !c.Output {
		return 0, 0
	}
	r := in.opts.LoadOhms
	v = math.Min(c.Voltage, c.Current*r)
	return v, v / r
}

// evaluate latches protection trips after a state change.
func (in *Instrument) evaluate() {
	for i := range in.channels {
		c := &in.channels[i]
		if !c.Output {
			continue
		}
		if c.OVPOn && c.OVP > 0 && c.Voltage > c.OVP {
			c.OVPTripped = true
			c.Output = false
			continue
		}
		if _, amps := in.measure(c); c.OCPOn && c.OCP > 0 && amps > c.OCP {
			c.OCPTripped = true
			c.Output = false
		}
	}
}
