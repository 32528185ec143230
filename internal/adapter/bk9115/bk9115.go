// Package bk9115 drives BK Precision 9115 and related single-channel DC
// supplies over USBTMC.
//
// The 9115 silently drops commands sent while a previous one is still being
// processed, so every write waits on *OPC?. It also ignores setpoints until
// it is in remote mode, which the adapter enters before the first write.
package bk9115

import (
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

func Model() adapter.Model {
	return adapter.Model{
		Name:   "BK9115",
		Vendor: "BK Precision",
		Kind:   adapter.KindPowerSupply,
		Channels: []adapter.ChannelLimits{
			{MaxVoltage: 80, MaxCurrent: 60, MaxOVP: 88, MaxOCP: 66},
		},
		Commands: adapter.StandardCommands.With(adapter.Commands{
			adapter.OpSelect:         "",
			adapter.OpMeasureVoltage: "MEASure:SCALar:VOLTage:DC?",
			adapter.OpMeasureCurrent: "MEASure:SCALar:CURRent:DC?",
			adapter.OpOutputOn:       "SOURce:OUTPut:STATe ON",
			adapter.OpOutputOff:      "SOURce:OUTPut:STATe OFF",
			adapter.OpOutputState:    "SOURce:OUTPut:STATe?",
			adapter.OpRemoteLock:     "SYSTem:RWLock",
		}),
		VoltageFormat:     "%.3f",
		CurrentFormat:     "%.4f",
		SyncWrites:        true,
		RemoteBeforeWrite: true,
		Settle:            time.Second,
		Link: transport.Settings{
			ReadTermination:  "\n",
			WriteTermination: "\r\n",
		},
		EnvVar:          "BK9115_USB",
		DefaultResource: "USB0::INSTR",
	}
}

// BK9115 is a BK Precision 9115 supply.
type BK9115 struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *BK9115 {
	return &BK9115{Base: adapter.NewBase(Model(), sess, opts...)}
}

var _ adapter.IInstrument = (*BK9115)(nil)
