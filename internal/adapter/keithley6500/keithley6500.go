// Package keithley6500 drives the Keithley/Tektronix DMM6500 bench
// multimeter in its SCPI command set over LAN.
package keithley6500

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// RawPort is the DMM6500 raw SCPI socket.
const RawPort = 5025

// Function is a measurement function.
type Function string

const (
	VoltageDC    Function = "VOLT:DC"
	VoltageAC    Function = "VOLT:AC"
	CurrentDC    Function = "CURR:DC"
	CurrentAC    Function = "CURR:AC"
	Resistance2W Function = "RES"
	Resistance4W Function = "FRES"
	Diode        Function = "DIOD"
	Capacitance  Function = "CAP"
	Temperature  Function = "TEMP"
	Continuity   Function = "CONT"
	Frequency    Function = "FREQ:VOLT"
	Period       Function = "PER:VOLT"
	VoltageRatio Function = "VOLT:DC:RAT"
)

// Functions lists every measurement function.
var Functions = []Function{
	VoltageDC, VoltageAC, CurrentDC, CurrentAC, Resistance2W, Resistance4W,
	Diode, Capacitance, Temperature, Continuity, Frequency, Period, VoltageRatio,
}

// ranged lists the functions with a selectable range.
var ranged = []Function{VoltageDC, VoltageAC, CurrentDC, CurrentAC, Resistance2W, Resistance4W, Capacitance, VoltageRatio}

// integrating lists the functions with an NPLC setting.
var integrating = []Function{VoltageDC, CurrentDC, Resistance2W, Resistance4W, Diode, Temperature, VoltageRatio}

func Model() adapter.Model {
	return adapter.Model{
		Name:   "DMM6500",
		Vendor: "Keithley",
		Kind:   adapter.KindMultimeter,
		Channels: []adapter.ChannelLimits{
			{MinVoltage: -1000, MaxVoltage: 1000, MinCurrent: -10, MaxCurrent: 10},
		},
		Commands: adapter.Commands{
			adapter.OpIdentify:       "*IDN?",
			adapter.OpReset:          "*RST",
			adapter.OpClearStatus:    "*CLS",
			adapter.OpError:          "SYSTem:ERRor?",
			adapter.OpMeasureVoltage: measure(VoltageDC),
			adapter.OpMeasureCurrent: measure(CurrentDC),
			adapter.OpLocal:          "TRIGger:CONTinuous RESTart",
		},
		Prefix:        ":",
		VoltageFormat: "%.6g",
		CurrentFormat: "%.6g",
		Settle:        10 * time.Millisecond,
		Link: transport.Settings{
			ReadTermination:  "\n",
			WriteTermination: "\n",
			QueryDelay:       10 * time.Millisecond,
			RawPort:          RawPort,
		},
		EnvVar:          "DMM6500_VISA",
		DefaultResource: "TCPIP0::172.16.2.13::INSTR",
	}
}

func measure(fn Function) string {
	return `SENSe{ch}:FUNCtion:ON "` + string(fn) + "\"\nREAD?"
}

// DMM6500 is a Keithley DMM6500 multimeter.
type DMM6500 struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *DMM6500 {
	return &DMM6500{Base: adapter.NewBase(Model(), sess, opts...)}
}

// Measure selects fn and returns one reading.
func (d *DMM6500) Measure(ctx context.Context, fn Function, opts ...adapter.CallOption) (float64, error) {
	ch, err := d.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return 0, err
	}
	if err := d.SetMeasureFunction(ctx, fn, adapter.OnChannel(ch)); err != nil {
		return 0, err
	}
	return d.askFloat(ctx, "READ?")
}

// SetMeasureFunction selects the measurement function.
func (d *DMM6500) SetMeasureFunction(ctx context.Context, fn Function, opts ...adapter.CallOption) error {
	ch, err := d.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return err
	}
	if !slices.Contains(Functions, fn) {
		return fmt.Errorf("%w: unknown function %q", adapter.ErrInvalidParameter, fn)
	}
	return d.Write(ctx, fmt.Sprintf(`SENSe%d:FUNCtion:ON "%s"`, ch, fn))
}

// SetMeasureRange fixes the range of fn to hold upper. An upper of zero or
// less enables autoranging.
func (d *DMM6500) SetMeasureRange(ctx context.Context, fn Function, upper float64, opts ...adapter.CallOption) error {
	node, err := d.node(fn, ranged, opts)
	if err != nil {
		return err
	}
	if upper <= 0 {
		return d.Write(ctx, node+":RANGe:AUTO ON")
	}
	if err := d.Write(ctx, node+":RANGe:AUTO OFF"); err != nil {
		return err
	}
	return d.Write(ctx, node+":RANGe "+strconv.FormatFloat(upper, 'g', -1, 64))
}

// QueryMeasureRange returns whether fn autoranges and its present range.
func (d *DMM6500) QueryMeasureRange(ctx context.Context, fn Function, opts ...adapter.CallOption) (auto bool, upper float64, err error) {
	node, err := d.node(fn, ranged, opts)
	if err != nil {
		return false, 0, err
	}
	reply, err := d.Query(ctx, node+":RANGe:AUTO?")
	if err != nil {
		return false, 0, err
	}
	if auto, err = adapter.ParseBool(reply); err != nil {
		return false, 0, adapter.ProtocolError("", node+":RANGe:AUTO?", reply, err)
	}
	upper, err = d.askFloat(ctx, node+":RANGe?")
	return auto, upper, err
}

// SetIntegrationTime sets the integration time of fn in power line cycles.
func (d *DMM6500) SetIntegrationTime(ctx context.Context, fn Function, nplc float64, opts ...adapter.CallOption) error {
	node, err := d.node(fn, integrating, opts)
	if err != nil {
		return err
	}
	if nplc < 0.0005 || nplc > 12 {
		return fmt.Errorf("%w: NPLC %g outside 0.0005..12", adapter.ErrInvalidParameter, nplc)
	}
	return d.Write(ctx, node+":NPLCycles "+strconv.FormatFloat(nplc, 'g', -1, 64))
}

// QueryIntegrationTime returns the integration time of fn in power line
// cycles.
func (d *DMM6500) QueryIntegrationTime(ctx context.Context, fn Function, opts ...adapter.CallOption) (float64, error) {
	node, err := d.node(fn, integrating, opts)
	if err != nil {
		return 0, err
	}
	return d.askFloat(ctx, node+":NPLCycles?")
}

// AutoZeroOnce refreshes the zero reference once.
func (d *DMM6500) AutoZeroOnce(ctx context.Context, opts ...adapter.CallOption) error {
	ch, err := d.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return err
	}
	return d.Write(ctx, fmt.Sprintf("SENSe%d:AZERo:ONCE", ch))
}

// SetDisplayMessage shows msg on the user swipe screen, top line (20
// characters) or bottom line (32 characters).
func (d *DMM6500) SetDisplayMessage(ctx context.Context, msg string, top bool) error {
	line, limit := 2, 32
	if top {
		line, limit = 1, 20
	}
	if len(msg) > limit {
		return fmt.Errorf("%w: message longer than %d characters", adapter.ErrInvalidParameter, limit)
	}
	if err := d.Write(ctx, "DISPlay:SCReen SWIPE_USER"); err != nil {
		return err
	}
	msg = strings.ReplaceAll(msg, `"`, `'`)
	return d.Write(ctx, fmt.Sprintf(`DISPlay:USER%d:TEXT "%s"`, line, msg))
}

// ClearDisplayMessage clears the user text and returns to the home screen.
func (d *DMM6500) ClearDisplayMessage(ctx context.Context) error {
	if err := d.Write(ctx, "DISPlay:CLEar"); err != nil {
		return err
	}
	return d.Write(ctx, "DISPlay:SCReen HOME")
}

func (d *DMM6500) node(fn Function, allowed []Function, opts []adapter.CallOption) (string, error) {
	ch, err := d.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return "", err
	}
	if !slices.Contains(allowed, fn) {
		return "", fmt.Errorf("%w: function %q has no such setting", adapter.ErrInvalidParameter, fn)
	}
	return fmt.Sprintf("SENSe%d:%s", ch, fn), nil
}

func (d *DMM6500) askFloat(ctx context.Context, cmd string) (float64, error) {
	reply, err := d.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := adapter.ParseFloat(reply)
	if err != nil {
		return 0, adapter.ProtocolError("", cmd, reply, err)
	}
	return v, nil
}

var _ adapter.IInstrument = (*DMM6500)(nil)
