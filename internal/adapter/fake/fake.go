// Package fake provides an in-memory instrument for testing code that sits
// above the adapters, such as the command dispatcher and the CLI.
//
// The fake keeps per-channel setpoints and output state, validates channels
// and values the way the real adapters do, and records every call made.
// Measurements follow a resistive load model.
package fake

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/benchlab/dcps/internal/adapter"
)

// ChannelState is the emulated state of one channel.
type ChannelState struct {
	Voltage    float64
	Current    float64
	Output     bool
	OVP        float64
	OCP        float64
	OVPEnabled bool
	OCPEnabled bool
	OVPTripped bool
	OCPTripped bool
}

// Instrument is a fake adapter.IInstrument.
type Instrument struct {
	mu sync.Mutex

	model    adapter.Model
	open     bool
	channel  int
	channels []ChannelState
	remote   bool
	locked   bool
	beeper   bool

	// LoadOhms is the resistive load seen by every output. Zero means
	// open circuit.
	LoadOhms float64

	calls []string

	simulateErrors bool
	errorType      error
}

// New returns a closed fake with n channels of 30 V and 3 A.
func New(n int) *Instrument {
	return NewWithModel(adapter.GenericModel(n, adapter.ChannelLimits{MaxVoltage: 30, MaxCurrent: 3}))
}

// NewWithModel returns a closed fake with the channels of m.
func NewWithModel(m adapter.Model) *Instrument {
	m.Name = "Fake-" + m.Name
	return &Instrument{
		model:    m,
		channel:  1,
		channels: make([]ChannelState, m.MaxChannel()),
		beeper:   true,
		LoadOhms: 10,
	}
}

// SetErrorSimulation makes every following call fail with code (one of the
// adapter sentinel errors).
func (f *Instrument) SetErrorSimulation(code error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors = true
	f.errorType = code
}

// DisableErrorSimulation stops failing calls.
func (f *Instrument) DisableErrorSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors = false
	f.errorType = nil
}

// Calls returns the names of the calls made so far.
func (f *Instrument) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// State returns a copy of channel ch's state.
func (f *Instrument) State(ch int) ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch < 1 || ch > len(f.channels) {
		return ChannelState{}
	}
	return f.channels[ch-1]
}

// Remote reports whether the fake is under remote control, and locked.
func (f *Instrument) Remote() (remote, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote, f.locked
}

// Beeper reports whether the beeper is enabled.
func (f *Instrument) Beeper() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beeper
}

// Trip latches the protection trip of channel ch and turns its output off.
func (f *Instrument) Trip(ch int, overVoltage bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch < 1 || ch > len(f.channels) {
		return
	}
	c := &f.channels[ch-1]
	c.Output = false
	if overVoltage {
		c.OVPTripped = true
	} else {
		c.OCPTripped = true
	}
}

func (f *Instrument) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "Open")
	if err := f.check(ctx, "Open"); err != nil {
		return err
	}
	f.open = true
	return nil
}

func (f *Instrument) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "Close")
	f.open = false
	return nil
}

func (f *Instrument) Model() adapter.Model { return f.model }

func (f *Instrument) Capabilities() adapter.Capabilities { return f.model.Capabilities() }

func (f *Instrument) Channel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel
}

func (f *Instrument) SetChannel(ch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch < 1 || ch > len(f.channels) {
		return invalid("channel %d outside 1..%d", ch, len(f.channels))
	}
	f.channel = ch
	return nil
}

func (f *Instrument) Identify(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.do(ctx, "Identify"); err != nil {
		return "", err
	}
	return "BENCHLAB,FAKE," + f.model.Name + ",1.0", nil
}

func (f *Instrument) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.do(ctx, "Reset"); err != nil {
		return err
	}
	f.channels = make([]ChannelState, len(f.channels))
	return nil
}

func (f *Instrument) ClearStatus(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.do(ctx, "ClearStatus")
}

func (f *Instrument) SetVoltage(ctx context.Context, v float64, opts ...adapter.CallOption) error {
	return f.setpoint(ctx, "SetVoltage", opts, v, func(l adapter.ChannelLimits) (float64, float64) { return l.MinVoltage, l.MaxVoltage },
		func(c *ChannelState) { c.Voltage = v })
}

func (f *Instrument) SetCurrent(ctx context.Context, a float64, opts ...adapter.CallOption) error {
	return f.setpoint(ctx, "SetCurrent", opts, a, func(l adapter.ChannelLimits) (float64, float64) { return l.MinCurrent, l.MaxCurrent },
		func(c *ChannelState) { c.Current = a })
}

func (f *Instrument) SetVoltageProtection(ctx context.Context, v float64, opts ...adapter.CallOption) error {
	return f.setpoint(ctx, "SetVoltageProtection", opts, v, func(l adapter.ChannelLimits) (float64, float64) { return 0, orMax(l.MaxOVP, l.MaxVoltage) },
		func(c *ChannelState) { c.OVP = v })
}

func (f *Instrument) SetCurrentProtection(ctx context.Context, a float64, opts ...adapter.CallOption) error {
	return f.setpoint(ctx, "SetCurrentProtection", opts, a, func(l adapter.ChannelLimits) (float64, float64) { return 0, orMax(l.MaxOCP, l.MaxCurrent) },
		func(c *ChannelState) { c.OCP = a })
}

func orMax(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func (f *Instrument) QueryVoltage(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return f.read(ctx, "QueryVoltage", opts, func(c ChannelState) float64 { return c.Voltage })
}

func (f *Instrument) QueryCurrent(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return f.read(ctx, "QueryCurrent", opts, func(c ChannelState) float64 { return c.Current })
}

func (f *Instrument) QueryVoltageProtection(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return f.read(ctx, "QueryVoltageProtection", opts, func(c ChannelState) float64 { return c.OVP })
}

func (f *Instrument) QueryCurrentProtection(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return f.read(ctx, "QueryCurrentProtection", opts, func(c ChannelState) float64 { return c.OCP })
}

// MeasureVoltage follows the load model: the output sits at the voltage
// setpoint unless the current limit pulls it down.
func (f *Instrument) MeasureVoltage(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return f.read(ctx, "MeasureVoltage", opts, func(c ChannelState) float64 {
		v, _ := f.operatingPoint(c)
		return v
	})
}

func (f *Instrument) MeasureCurrent(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return f.read(ctx, "MeasureCurrent", opts, func(c ChannelState) float64 {
		_, a := f.operatingPoint(c)
		return a
	})
}

func (f *Instrument) operatingPoint(c ChannelState) (float64, float64) {
	if !c.Output || f.LoadOhms <= 0 {
		if c.Output {
			return c.Voltage, 0
		}
		return 0, 0
	}
	v := math.Min(c.Voltage, c.Current*f.LoadOhms)
	return v, v / f.LoadOhms
}

func (f *Instrument) OutputOn(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "OutputOn", opts, func(c *ChannelState) { c.Output = true })
}

func (f *Instrument) OutputOff(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "OutputOff", opts, func(c *ChannelState) { c.Output = false })
}

func (f *Instrument) IsOutputOn(ctx context.Context, opts ...adapter.CallOption) (bool, error) {
	return f.flag(ctx, "IsOutputOn", opts, func(c ChannelState) bool { return c.Output })
}

func (f *Instrument) OutputOnAll(ctx context.Context) error  { return f.all(ctx, "OutputOnAll", true) }
func (f *Instrument) OutputOffAll(ctx context.Context) error { return f.all(ctx, "OutputOffAll", false) }

func (f *Instrument) all(ctx context.Context, name string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.do(ctx, name); err != nil {
		return err
	}
	for i := range f.channels {
		f.channels[i].Output = on
	}
	return nil
}

func (f *Instrument) SetLocal(ctx context.Context) error {
	return f.panel(ctx, "SetLocal", false, false)
}

func (f *Instrument) SetRemote(ctx context.Context) error {
	return f.panel(ctx, "SetRemote", true, false)
}

func (f *Instrument) SetRemoteLock(ctx context.Context) error {
	return f.panel(ctx, "SetRemoteLock", true, true)
}

func (f *Instrument) panel(ctx context.Context, name string, remote, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.do(ctx, name); err != nil {
		return err
	}
	f.remote, f.locked = remote, locked
	return nil
}

func (f *Instrument) VoltageProtectionOn(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "VoltageProtectionOn", opts, func(c *ChannelState) { c.OVPEnabled = true })
}

func (f *Instrument) VoltageProtectionOff(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "VoltageProtectionOff", opts, func(c *ChannelState) { c.OVPEnabled = false })
}

func (f *Instrument) IsVoltageProtectionTripped(ctx context.Context, opts ...adapter.CallOption) (bool, error) {
	return f.flag(ctx, "IsVoltageProtectionTripped", opts, func(c ChannelState) bool { return c.OVPTripped })
}

func (f *Instrument) VoltageProtectionClear(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "VoltageProtectionClear", opts, func(c *ChannelState) { c.OVPTripped = false })
}

func (f *Instrument) CurrentProtectionOn(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "CurrentProtectionOn", opts, func(c *ChannelState) { c.OCPEnabled = true })
}

func (f *Instrument) CurrentProtectionOff(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "CurrentProtectionOff", opts, func(c *ChannelState) { c.OCPEnabled = false })
}

func (f *Instrument) IsCurrentProtectionTripped(ctx context.Context, opts ...adapter.CallOption) (bool, error) {
	return f.flag(ctx, "IsCurrentProtectionTripped", opts, func(c ChannelState) bool { return c.OCPTripped })
}

func (f *Instrument) CurrentProtectionClear(ctx context.Context, opts ...adapter.CallOption) error {
	return f.mutate(ctx, "CurrentProtectionClear", opts, func(c *ChannelState) { c.OCPTripped = false })
}

func (f *Instrument) BeeperOn(ctx context.Context) error  { return f.setBeeper(ctx, "BeeperOn", true) }
func (f *Instrument) BeeperOff(ctx context.Context) error { return f.setBeeper(ctx, "BeeperOff", false) }

func (f *Instrument) setBeeper(ctx context.Context, name string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.do(ctx, name); err != nil {
		return err
	}
	f.beeper = on
	return nil
}

func (f *Instrument) setpoint(ctx context.Context, name string, opts []adapter.CallOption, v float64,
	bounds func(adapter.ChannelLimits) (float64, float64), apply func(*ChannelState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := adapter.TargetChannel(f.channel, opts)
	if ch >= 1 && ch <= len(f.channels) {
		lo, hi := bounds(f.model.Limits(ch))
		if math.IsNaN(v) || math.IsInf(v, 0) || v < lo || v > hi {
			return invalid("%s %g outside %g..%g", name, v, lo, hi)
		}
	}
	ch, err := f.resolve(ctx, name, opts)
	if err != nil {
		return err
	}
	apply(&f.channels[ch-1])
	return nil
}

func (f *Instrument) mutate(ctx context.Context, name string, opts []adapter.CallOption, apply func(*ChannelState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, err := f.resolve(ctx, name, opts)
	if err != nil {
		return err
	}
	apply(&f.channels[ch-1])
	return nil
}

func (f *Instrument) read(ctx context.Context, name string, opts []adapter.CallOption, get func(ChannelState) float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, err := f.resolve(ctx, name, opts)
	if err != nil {
		return 0, err
	}
	return get(f.channels[ch-1]), nil
}

func (f *Instrument) flag(ctx context.Context, name string, opts []adapter.CallOption, get func(ChannelState) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, err := f.resolve(ctx, name, opts)
	if err != nil {
		return false, err
	}
	return get(f.channels[ch-1]), nil
}

// resolve validates the target channel, records the call and makes the
// channel active. Callers hold f.mu.
func (f *Instrument) resolve(ctx context.Context, name string, opts []adapter.CallOption) (int, error) {
	ch := adapter.TargetChannel(f.channel, opts)
	if ch < 1 || ch > len(f.channels) {
		return 0, invalid("channel %d outside 1..%d", ch, len(f.channels))
	}
	if err := f.do(ctx, name); err != nil {
		return 0, err
	}
	f.channel = ch
	return ch, nil
}

// do records a call and applies context, open-state and simulated errors.
// Callers hold f.mu.
func (f *Instrument) do(ctx context.Context, name string) error {
	f.calls = append(f.calls, name)
	return f.check(ctx, name)
}

func (f *Instrument) check(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.simulateErrors {
		return &adapter.DeviceError{Code: f.errorType, Op: adapter.Op(name), Original: fmt.Errorf("simulated %v", f.errorType)}
	}
	if !f.open && name != "Open" {
		return &adapter.DeviceError{Code: adapter.ErrTransport, Op: adapter.Op(name), Original: fmt.Errorf("fake instrument not open")}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return &adapter.DeviceError{Code: adapter.ErrInvalidParameter, Original: fmt.Errorf(format, args...)}
}

var _ adapter.IInstrument = (*Instrument)(nil)
