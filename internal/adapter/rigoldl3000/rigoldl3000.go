// Package rigoldl3000 drives Rigol DL3000 family electronic loads. The
// load's input takes the place of a supply output in the facade.
package rigoldl3000

import (
	"context"
	"fmt"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// RawPort is the DL3000 raw SCPI socket.
const RawPort = 5555

// Load modes for SetFunction.
const (
	ModeCurrent    = "CURRent"
	ModeVoltage    = "VOLTage"
	ModeResistance = "RESistance"
	ModePower      = "POWer"
)

func Model() adapter.Model {
	return adapter.Model{
		Name:   "DL3000",
		Vendor: "Rigol",
		Kind:   adapter.KindLoad,
		// DL3021.
		Channels: []adapter.ChannelLimits{
			{MaxVoltage: 150, MaxCurrent: 40},
		},
		Commands: adapter.StandardCommands.With(adapter.Commands{
			adapter.OpSetVoltage:     "SOURce:VOLTage:LEVel:IMMediate {v}",
			adapter.OpSetCurrent:     "SOURce:CURRent:LEVel:IMMediate {v}",
			adapter.OpQueryVoltage:   "SOURce:VOLTage:LEVel:IMMediate?",
			adapter.OpQueryCurrent:   "SOURce:CURRent:LEVel:IMMediate?",
			adapter.OpMeasureVoltage: "MEASure:VOLTage?",
			adapter.OpMeasureCurrent: "MEASure:CURRent?",
			adapter.OpOutputOn:       "SOURce:INPut:STATe ON",
			adapter.OpOutputOff:      "SOURce:INPut:STATe OFF",
			adapter.OpOutputState:    "SOURce:INPut:STATe?",
		}).Without(
			adapter.OpSelect,
			adapter.OpSetVoltageProtection, adapter.OpQueryVoltageProtection,
			adapter.OpVoltageProtectionOn, adapter.OpVoltageProtectionOff,
			adapter.OpVoltageProtectionTripped, adapter.OpVoltageProtectionClear,
			adapter.OpSetCurrentProtection, adapter.OpQueryCurrentProtection,
			adapter.OpCurrentProtectionOn, adapter.OpCurrentProtectionOff,
			adapter.OpCurrentProtectionTripped, adapter.OpCurrentProtectionClear,
			adapter.OpBeeperOn, adapter.OpBeeperOff,
		),
		Prefix:        ":",
		VoltageFormat: "%.3f",
		CurrentFormat: "%.3f",
		Settle:        time.Second,
		Link: transport.Settings{
			ReadTermination:  "\n",
			WriteTermination: "\n",
			RawPort:          RawPort,
		},
		EnvVar:          "DL3000_IP",
		DefaultResource: "TCPIP0::172.16.2.13::INSTR",
	}
}

// DL3000 is a Rigol DL3000 electronic load.
type DL3000 struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *DL3000 {
	return &DL3000{Base: adapter.NewBase(Model(), sess, opts...)}
}

// SetCurrentVON sets the voltage at which the load starts sinking current
// in constant-current mode.
func (d *DL3000) SetCurrentVON(ctx context.Context, v float64) error {
	if err := d.CheckVoltage(adapter.OpSetVoltage, 1, v); err != nil {
		return err
	}
	if err := d.Write(ctx, "SOURce:CURRent:VON "+d.FormatVoltage(v)); err != nil {
		return err
	}
	return d.Settle(ctx)
}

// QueryCurrentVON returns the constant-current start voltage.
func (d *DL3000) QueryCurrentVON(ctx context.Context) (float64, error) {
	return d.askFloat(ctx, "SOURce:CURRent:VON?")
}

// SetFunction selects the static load mode.
func (d *DL3000) SetFunction(ctx context.Context, mode string) error {
	switch mode {
	case ModeCurrent, ModeVoltage, ModeResistance, ModePower:
	default:
		return fmt.Errorf("%w: load mode %q", adapter.ErrInvalidParameter, mode)
	}
	if err := d.Write(ctx, "SOURce:FUNCtion "+mode); err != nil {
		return err
	}
	return d.Settle(ctx)
}

// QueryFunction returns the static load mode as the load prints it, e.g.
// "CC".
func (d *DL3000) QueryFunction(ctx context.Context) (string, error) {
	return d.Query(ctx, "SOURce:FUNCtion?")
}

// MeasurePower returns the power sunk in watts.
func (d *DL3000) MeasurePower(ctx context.Context) (float64, error) {
	return d.askFloat(ctx, "MEASure:POWer?")
}

// MeasureResistance returns the load resistance in ohms.
func (d *DL3000) MeasureResistance(ctx context.Context) (float64, error) {
	return d.askFloat(ctx, "MEASure:RESistance?")
}

func (d *DL3000) askFloat(ctx context.Context, cmd string) (float64, error) {
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

var _ adapter.IInstrument = (*DL3000)(nil)
