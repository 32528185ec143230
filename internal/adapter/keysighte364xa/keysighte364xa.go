// Package keysighte364xa drives HP/Agilent/Keysight E364xA single-output
// supplies on GPIB, normally reached through a KISS-488 Ethernet bridge
// configured with the supply's GPIB address.
//
// The E364xA has no SYSTem:LOCal, SYSTem:REMote or beeper control over GPIB;
// those calls return ErrNotSupported.
package keysighte364xa

import (
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

func Model() adapter.Model {
	return adapter.Model{
		Name:   "E364xA",
		Vendor: "Keysight",
		Kind:   adapter.KindPowerSupply,
		// E3642A high range.
		Channels: []adapter.ChannelLimits{
			{MaxVoltage: 20.6, MaxCurrent: 5.15, MaxOVP: 22},
		},
		Commands: adapter.Commands{
			adapter.OpIdentify:                 "*IDN?",
			adapter.OpReset:                    "*RST",
			adapter.OpClearStatus:              "*CLS",
			adapter.OpError:                    "SYSTem:ERRor?",
			adapter.OpSetVoltage:               "VOLTage {v}",
			adapter.OpSetCurrent:               "CURRent {v}",
			adapter.OpQueryVoltage:             "VOLTage?",
			adapter.OpQueryCurrent:             "CURRent?",
			adapter.OpMeasureVoltage:           "MEASure:VOLTage?",
			adapter.OpMeasureCurrent:           "MEASure:CURRent?",
			adapter.OpOutputOn:                 "OUTPut ON",
			adapter.OpOutputOff:                "OUTPut OFF",
			adapter.OpOutputState:              "OUTPut?",
			adapter.OpSetVoltageProtection:     "VOLTage:PROTection:LEVel {v}",
			adapter.OpQueryVoltageProtection:   "VOLTage:PROTection:LEVel?",
			adapter.OpVoltageProtectionOn:      "VOLTage:PROTection:STATe ON",
			adapter.OpVoltageProtectionOff:     "VOLTage:PROTection:STATe OFF",
			adapter.OpVoltageProtectionTripped: "VOLTage:PROTection:TRIPped?",
			adapter.OpVoltageProtectionClear:   "VOLTage:PROTection:CLEar",
		},
		VoltageFormat: "%.3f",
		CurrentFormat: "%.4f",
		Settle:        100 * time.Millisecond,
		Link: transport.Settings{
			ReadTermination:  "\n",
			WriteTermination: "\n",
			Timeout:          3 * time.Second,
			QueryDelay:       2 * time.Second,
			GPIB:             true,
			GPIBAddress:      5,
		},
		EnvVar:          "E364XA_VISA",
		DefaultResource: "TCPIP0::192.168.1.20::23::SOCKET",
	}
}

// E364xA is a Keysight E364xA supply.
type E364xA struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *E364xA {
	return &E364xA{Base: adapter.NewBase(Model(), sess, opts...)}
}

var _ adapter.IInstrument = (*E364xA)(nil)
