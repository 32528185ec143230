// Package koradka drives Korad KA series supplies (and their Velleman,
// Tenma and RS rebrands) over USB serial.
//
// The KA protocol is neither SCPI nor terminated: commands are sent bare
// and replies are fixed-width, except *IDN? whose length varies by firmware.
// That reply ends at a NUL or, on firmware that sends none, when the line
// goes quiet. Writes must be spaced out or the supply drops them, hence the
// long settle time.
package koradka

import (
	"context"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// Reply widths.
const (
	valueWidth = 5
	// ISET? answers with one trailing garbage byte.
	isetWidth   = 6
	statusWidth = 1
)

// idnIdle ends an *IDN? reply that carries no terminator.
const idnIdle = 200 * time.Millisecond

// STATUS? bits.
const (
	statusCh1CV   = 1 << 0
	statusCh2CV   = 1 << 1
	statusTrack   = 3 << 2
	statusBeeper  = 1 << 4
	statusLock    = 1 << 5
	statusOutput  = 1 << 6
	trackingShift = 2
)

// Tracking is the series/parallel tracking mode of two-channel models.
type Tracking int

const (
	Independent Tracking = 0b00
	Series      Tracking = 0b01
	Parallel    Tracking = 0b11
)

func (t Tracking) String() string {
	switch t {
	case Independent:
		return "independent"
	case Series:
		return "series"
	case Parallel:
		return "parallel"
	}
	return "undefined"
}

// Status is the decoded STATUS? byte.
type Status struct {
	Ch1CV    bool // false means constant current
	Ch2CV    bool
	Tracking Tracking
	Beeper   bool
	Lock     bool
	Output   bool
}

// DecodeStatus decodes a STATUS? byte.
func DecodeStatus(b byte) Status {
	return Status{
		Ch1CV:    b&statusCh1CV != 0,
		Ch2CV:    b&statusCh2CV != 0,
		Tracking: Tracking((b & statusTrack) >> trackingShift),
		Beeper:   b&statusBeeper != 0,
		Lock:     b&statusLock != 0,
		Output:   b&statusOutput != 0,
	}
}

// Model returns the single-channel KA3005P descriptor.
func Model() adapter.Model { return ModelN(1) }

// ModelN returns the descriptor for a KA supply with n channels, such as
// the three-channel KA3305P. n is clamped to 1..3.
func ModelN(n int) adapter.Model {
	n = min(max(n, 1), 3)
	chans := make([]adapter.ChannelLimits, n)
	for i := range chans {
		chans[i] = adapter.ChannelLimits{MaxVoltage: 30, MaxCurrent: 5}
	}
	return adapter.Model{
		Name:     "KA",
		Vendor:   "Korad",
		Kind:     adapter.KindPowerSupply,
		Channels: chans,
		Commands: adapter.Commands{
			adapter.OpIdentify:             "*IDN?",
			adapter.OpSetVoltage:           "VSET{ch}:{v}",
			adapter.OpSetCurrent:           "ISET{ch}:{v}",
			adapter.OpQueryVoltage:         "VSET{ch}?",
			adapter.OpQueryCurrent:         "ISET{ch}?",
			adapter.OpMeasureVoltage:       "VOUT{ch}?",
			adapter.OpMeasureCurrent:       "IOUT{ch}?",
			adapter.OpOutputOn:             "OUT1",
			adapter.OpOutputOff:            "OUT0",
			adapter.OpOutputState:          "STATUS?",
			adapter.OpVoltageProtectionOn:  "OVP1",
			adapter.OpVoltageProtectionOff: "OVP0",
			adapter.OpCurrentProtectionOn:  "OCP1",
			adapter.OpCurrentProtectionOff: "OCP0",
			adapter.OpBeeperOn:             "BEEP1",
			adapter.OpBeeperOff:            "BEEP0",
		},
		VoltageFormat: "%05.2f",
		CurrentFormat: "%05.3f",
		Settle:        time.Second,
		Link: transport.Settings{
			ReadTermination: "\x00",
			ReadIdle:        idnIdle,
			BaudRate:        9600,
			Timeout:         time.Second,
		},
		EnvVar:          "KORAD_ASRL",
		DefaultResource: "ASRL8::INSTR",
	}
}

// KA is a Korad KA series supply.
type KA struct {
	*adapter.Base
}

// New returns a single-channel KA adapter.
func New(sess transport.Session, opts ...adapter.Option) *KA {
	return NewN(1, sess, opts...)
}

// NewN returns an adapter for a KA supply with n channels.
func NewN(n int, sess transport.Session, opts ...adapter.Option) *KA {
	return &KA{Base: adapter.NewBase(ModelN(n), sess, opts...)}
}

func (k *KA) QueryVoltage(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return k.readValue(ctx, adapter.OpQueryVoltage, valueWidth, opts)
}

func (k *KA) QueryCurrent(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return k.readValue(ctx, adapter.OpQueryCurrent, isetWidth, opts)
}

func (k *KA) MeasureVoltage(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return k.readValue(ctx, adapter.OpMeasureVoltage, valueWidth, opts)
}

func (k *KA) MeasureCurrent(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return k.readValue(ctx, adapter.OpMeasureCurrent, valueWidth, opts)
}

// readValue reads a fixed-width reply and parses its first five bytes.
func (k *KA) readValue(ctx context.Context, op adapter.Op, width int, opts []adapter.CallOption) (float64, error) {
	ch, err := k.Resolve(op, opts)
	if err != nil {
		return 0, err
	}
	lines, err := k.Render(op, ch, "")
	if err != nil {
		return 0, err
	}
	buf, err := k.QueryBytes(ctx, op, lines[0], width)
	if err != nil {
		return 0, err
	}
	v, err := adapter.ParseFloat(string(buf[:valueWidth]))
	if err != nil {
		return 0, adapter.ProtocolError(op, lines[0], string(buf), err)
	}
	return v, nil
}

// SetRemote sends a bare newline; any traffic puts the supply in remote
// mode.
func (k *KA) SetRemote(ctx context.Context) error {
	return k.Write(ctx, "\n")
}

// SetRemoteLock is SetRemote. The supply locks its panel while remote and
// returns to local by itself after a few seconds without traffic.
func (k *KA) SetRemoteLock(ctx context.Context) error {
	return k.SetRemote(ctx)
}

// IsOutputOn reads the output bit of the status byte. The KA series has a
// single output switch for all channels.
func (k *KA) IsOutputOn(ctx context.Context, opts ...adapter.CallOption) (bool, error) {
	if _, err := k.Resolve(adapter.OpOutputState, opts); err != nil {
		return false, err
	}
	st, err := k.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Output, nil
}

// Status reads and decodes the status byte.
func (k *KA) Status(ctx context.Context) (Status, error) {
	buf, err := k.QueryBytes(ctx, adapter.OpOutputState, "STATUS?", statusWidth)
	if err != nil {
		return Status{}, err
	}
	return DecodeStatus(buf[0]), nil
}

var _ adapter.IInstrument = (*KA)(nil)
