// Package rigoldp800 drives Rigol DP800 series programmable supplies
// (DP832, DP832A, DP831 and relatives) over their LAN or USB interface.
//
// Every channel-scoped command names its channel (SOURce2:VOLTage,
// OUTPut CH2,ON), so the adapter never sends INSTrument:NSELect.
package rigoldp800

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// RawPort is the DP800 raw SCPI socket.
const RawPort = 5555

// Model returns the DP800 descriptor, channel limits as for the DP832.
func Model() adapter.Model {
	return adapter.Model{
		Name:   "DP800",
		Vendor: "Rigol",
		Kind:   adapter.KindPowerSupply,
		Channels: []adapter.ChannelLimits{
			{MaxVoltage: 30, MaxCurrent: 3, MaxOVP: 33, MaxOCP: 3.3},
			{MaxVoltage: 30, MaxCurrent: 3, MaxOVP: 33, MaxOCP: 3.3},
			{MaxVoltage: 5, MaxCurrent: 3, MaxOVP: 5.5, MaxOCP: 3.3},
		},
		Commands: adapter.StandardCommands.With(adapter.Commands{
			adapter.OpSelect:                   "",
			adapter.OpSetVoltage:               "SOURce{ch}:VOLTage {v}",
			adapter.OpSetCurrent:               "SOURce{ch}:CURRent {v}",
			adapter.OpQueryVoltage:             "SOURce{ch}:VOLTage?",
			adapter.OpQueryCurrent:             "SOURce{ch}:CURRent?",
			adapter.OpMeasureVoltage:           "MEASure:VOLTage? CH{ch}",
			adapter.OpMeasureCurrent:           "MEASure:CURRent? CH{ch}",
			adapter.OpOutputOn:                 "OUTPut CH{ch},ON",
			adapter.OpOutputOff:                "OUTPut CH{ch},OFF",
			adapter.OpOutputState:              "OUTPut? CH{ch}",
			adapter.OpRemoteLock:               "SYSTem:RWLock",
			adapter.OpSetVoltageProtection:     "OUTPut:OVP:VALue CH{ch},{v}",
			adapter.OpQueryVoltageProtection:   "OUTPut:OVP:VALue? CH{ch}",
			adapter.OpVoltageProtectionOn:      "OUTPut:OVP CH{ch},ON",
			adapter.OpVoltageProtectionOff:     "OUTPut:OVP CH{ch},OFF",
			adapter.OpVoltageProtectionTripped: "OUTPut:OVP:QUES? CH{ch}",
			adapter.OpVoltageProtectionClear:   "OUTPut:OVP:CLEar CH{ch}",
			adapter.OpSetCurrentProtection:     "OUTPut:OCP:VALue CH{ch},{v}",
			adapter.OpQueryCurrentProtection:   "OUTPut:OCP:VALue? CH{ch}",
			adapter.OpCurrentProtectionOn:      "OUTPut:OCP CH{ch},ON",
			adapter.OpCurrentProtectionOff:     "OUTPut:OCP CH{ch},OFF",
			adapter.OpCurrentProtectionTripped: "OUTPut:OCP:QUES? CH{ch}",
			adapter.OpCurrentProtectionClear:   "OUTPut:OCP:CLEar CH{ch}",
		}),
		Prefix:        ":",
		VoltageFormat: "%.3f",
		CurrentFormat: "%.3f",
		Settle:        time.Second,
		Link: transport.Settings{
			ReadTermination:  "\n",
			WriteTermination: "\n",
			RawPort:          RawPort,
		},
		EnvVar:          "DP800_IP",
		DefaultResource: "TCPIP0::172.16.2.13::INSTR",
	}
}

// DP800 is a Rigol DP800 supply.
type DP800 struct {
	*adapter.Base
}

// New returns an unopened DP800 adapter on sess.
func New(sess transport.Session, opts ...adapter.Option) *DP800 {
	return &DP800{Base: adapter.NewBase(Model(), sess, opts...)}
}

var errShortReading = errors.New("want voltage,current,power")

// Reading is one MEASure:ALL? sample.
type Reading struct {
	Voltage float64
	Current float64
	Power   float64
}

// MeasureAll reads voltage, current and power of a channel in one query.
func (d *DP800) MeasureAll(ctx context.Context, opts ...adapter.CallOption) (Reading, error) {
	ch, err := d.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return Reading{}, err
	}
	cmd := "MEASure:ALL? CH" + strconv.Itoa(ch)
	reply, err := d.Query(ctx, cmd)
	if err != nil {
		return Reading{}, err
	}
	vals, err := adapter.ParseCSV(reply)
	if err == nil && len(vals) != 3 {
		err = errShortReading
	}
	if err != nil {
		return Reading{}, adapter.ProtocolError(adapter.OpMeasureVoltage, cmd, reply, err)
	}
	return Reading{Voltage: vals[0], Current: vals[1], Power: vals[2]}, nil
}

var _ adapter.IInstrument = (*DP800)(nil)
