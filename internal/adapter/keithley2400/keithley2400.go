// Package keithley2400 drives Keithley/Tektronix 2400 series SourceMeters
// on GPIB through a Prologix Ethernet bridge.
//
// READ? returns a comma separated record: voltage, current, resistance,
// timestamp and status. Measurements select a single sense function first
// and pick their field from that record.
package keithley2400

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// DefaultGPIBAddress is the factory GPIB address.
const DefaultGPIBAddress = 24

// Fields of a READ? record.
const (
	fieldVoltage = iota
	fieldCurrent
	fieldResistance
)

// Source functions for SetSourceFunction.
const (
	SourceVoltage = "VOLTage"
	SourceCurrent = "CURRent"
)

// Sense functions for SetMeasureFunctions.
const (
	SenseVoltage    = "VOLT"
	SenseCurrent    = "CURR"
	SenseResistance = "RES"
)

func Model() adapter.Model {
	return adapter.Model{
		Name:   "2400",
		Vendor: "Keithley",
		Kind:   adapter.KindSourceMeter,
		Channels: []adapter.ChannelLimits{
			{MinVoltage: -210, MaxVoltage: 210, MinCurrent: -1.05, MaxCurrent: 1.05, MaxOVP: 210, MaxOCP: 1.05},
		},
		Commands: adapter.StandardCommands.With(adapter.Commands{
			adapter.OpSelect:                   "",
			adapter.OpLocal:                    "",
			adapter.OpRemote:                   "",
			adapter.OpRemoteLock:               "",
			adapter.OpMeasureVoltage:           measure(SenseVoltage),
			adapter.OpMeasureCurrent:           measure(SenseCurrent),
			adapter.OpVoltageProtectionOn:      "",
			adapter.OpVoltageProtectionOff:     "",
			adapter.OpVoltageProtectionTripped: "",
			adapter.OpVoltageProtectionClear:   "",
			adapter.OpSetCurrentProtection:     "SENSe:CURRent:PROTection {v}",
			adapter.OpQueryCurrentProtection:   "SENSe:CURRent:PROTection?",
			adapter.OpCurrentProtectionTripped: "SENSe:CURRent:PROTection:TRIPped?",
			adapter.OpCurrentProtectionOn:      "",
			adapter.OpCurrentProtectionOff:     "",
			adapter.OpCurrentProtectionClear:   "",
		}),
		Prefix:        ":",
		VoltageFormat: "%.4f",
		CurrentFormat: "%.6f",
		Settle:        250 * time.Millisecond,
		Link: transport.Settings{
			ReadTermination:   "\n",
			WriteTermination:  "\n",
			QueryDelay:        800 * time.Millisecond,
			GPIB:              true,
			GPIBAddress:       DefaultGPIBAddress,
			BridgeReadTimeout: 800 * time.Millisecond,
		},
		EnvVar:          "K2400_VISA",
		DefaultResource: "TCPIP0::192.168.1.20::23::SOCKET",
	}
}

func measure(fn string) string {
	return "SENSe{ch}:FUNCtion:CONCurrent OFF\nSENSe{ch}:FUNCtion:ON \"" + fn + "\"\nREAD?"
}

// K2400 is a Keithley 2400 SourceMeter.
type K2400 struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *K2400 {
	return &K2400{Base: adapter.NewBase(Model(), sess, opts...)}
}

// MeasureVoltage measures voltage alone.
func (k *K2400) MeasureVoltage(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return k.readField(ctx, adapter.OpMeasureVoltage, fieldVoltage, opts)
}

// MeasureCurrent measures current alone.
func (k *K2400) MeasureCurrent(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return k.readField(ctx, adapter.OpMeasureCurrent, fieldCurrent, opts)
}

func (k *K2400) readField(ctx context.Context, op adapter.Op, field int, opts []adapter.CallOption) (float64, error) {
	ch, err := k.Resolve(op, opts)
	if err != nil {
		return 0, err
	}
	reply, err := k.Ask(ctx, op, ch)
	if err != nil {
		return 0, err
	}
	vals, err := parseRecord(reply, field+1)
	if err != nil {
		return 0, adapter.ProtocolError(op, "READ?", reply, err)
	}
	return vals[field], nil
}

// parseRecord parses the leading fields of a READ? record.
func parseRecord(reply string, need int) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(reply), ",")
	if len(fields) < need {
		return nil, fmt.Errorf("record has %d fields, want %d", len(fields), need)
	}
	out := make([]float64, need)
	for i := range out {
		v, err := adapter.ParseFloat(fields[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// MeasureResistance measures resistance alone.
func (k *K2400) MeasureResistance(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	ch, err := k.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return 0, err
	}
	if err := k.SetMeasureFunctions(ctx, false, []string{SenseResistance}, adapter.OnChannel(ch)); err != nil {
		return 0, err
	}
	return k.read(ctx, fieldResistance)
}

// VCR is one concurrent voltage, current and resistance reading.
type VCR struct {
	Voltage    float64
	Current    float64
	Resistance float64
}

// MeasureVCR measures voltage, current and resistance concurrently.
func (k *K2400) MeasureVCR(ctx context.Context, opts ...adapter.CallOption) (VCR, error) {
	ch, err := k.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return VCR{}, err
	}
	if err := k.SetMeasureFunctions(ctx, true, []string{SenseVoltage, SenseCurrent, SenseResistance}, adapter.OnChannel(ch)); err != nil {
		return VCR{}, err
	}
	reply, err := k.Query(ctx, "READ?")
	if err != nil {
		return VCR{}, err
	}
	vals, err := parseRecord(reply, 3)
	if err != nil {
		return VCR{}, adapter.ProtocolError(adapter.OpMeasureVoltage, "READ?", reply, err)
	}
	return VCR{Voltage: vals[fieldVoltage], Current: vals[fieldCurrent], Resistance: vals[fieldResistance]}, nil
}

func (k *K2400) read(ctx context.Context, field int) (float64, error) {
	reply, err := k.Query(ctx, "READ?")
	if err != nil {
		return 0, err
	}
	vals, err := parseRecord(reply, field+1)
	if err != nil {
		return 0, adapter.ProtocolError("", "READ?", reply, err)
	}
	return vals[field], nil
}

// SetMeasureFunctions enables the given sense functions. With concurrent
// false only the first function is enabled.
func (k *K2400) SetMeasureFunctions(ctx context.Context, concurrent bool, fns []string, opts ...adapter.CallOption) error {
	ch, err := k.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return err
	}
	if len(fns) == 0 {
		return fmt.Errorf("%w: no sense function", adapter.ErrInvalidParameter)
	}
	node := "SENSe" + strconv.Itoa(ch) + ":FUNCtion"
	if !concurrent {
		fns = fns[:1]
	}
	if err := k.Write(ctx, node+":CONCurrent "+onOff(concurrent)); err != nil {
		return err
	}
	for _, fn := range fns {
		switch fn {
		case SenseVoltage, SenseCurrent, SenseResistance:
		default:
			return fmt.Errorf("%w: sense function %q", adapter.ErrInvalidParameter, fn)
		}
		if err := k.Write(ctx, fmt.Sprintf(`%s:ON "%s"`, node, fn)); err != nil {
			return err
		}
	}
	return nil
}

// SetSourceFunction selects voltage or current sourcing.
func (k *K2400) SetSourceFunction(ctx context.Context, fn string, opts ...adapter.CallOption) error {
	ch, err := k.Resolve(adapter.OpSetVoltage, opts)
	if err != nil {
		return err
	}
	if fn != SourceVoltage && fn != SourceCurrent {
		return fmt.Errorf("%w: source function %q", adapter.ErrInvalidParameter, fn)
	}
	if err := k.Write(ctx, fmt.Sprintf("SOURce%d:FUNCtion:MODE %s", ch, fn)); err != nil {
		return err
	}
	return k.Settle(ctx)
}

func window(top bool) string {
	if top {
		return "DISPlay:TEXT"
	}
	return "DISPlay:WINDow2:TEXT"
}

// DisplayMessageOn shows the user message on the top or bottom line.
func (k *K2400) DisplayMessageOn(ctx context.Context, top bool) error {
	return k.Write(ctx, window(top)+":STATe ON")
}

// DisplayMessageOff returns the line to readings.
func (k *K2400) DisplayMessageOff(ctx context.Context, top bool) error {
	return k.Write(ctx, window(top)+":STATe OFF")
}

// SetDisplayMessage sets the user message: 20 characters on top, 32 below.
func (k *K2400) SetDisplayMessage(ctx context.Context, msg string, top bool) error {
	limit := 32
	if top {
		limit = 20
	}
	if len(msg) > limit {
		return fmt.Errorf("%w: message longer than %d characters", adapter.ErrInvalidParameter, limit)
	}
	msg = strings.ReplaceAll(msg, `"`, `'`)
	return k.Write(ctx, fmt.Sprintf(`%s:DATA "%s"`, window(top), msg))
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

var _ adapter.IInstrument = (*K2400)(nil)
