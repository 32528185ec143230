// Package keithley622x drives Keithley/Tektronix 6220 and 6221 precision
// current sources on GPIB through a KISS-488 or Prologix Ethernet bridge.
//
// The 622x sources current only. It cannot program or measure voltage;
// the voltage protection calls map to the compliance voltage instead.
// Front panel control goes through the bridge (++loc, ++llo), so it needs a
// Prologix session.
package keithley622x

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// DefaultGPIBAddress is the factory GPIB address.
const DefaultGPIBAddress = 12

func Model() adapter.Model {
	return adapter.Model{
		Name:   "622x",
		Vendor: "Keithley",
		Kind:   adapter.KindCurrentSource,
		Channels: []adapter.ChannelLimits{
			{MinCurrent: -0.105, MaxCurrent: 0.105, MaxOVP: 105},
		},
		Commands: adapter.Commands{
			adapter.OpIdentify:               "*IDN?",
			adapter.OpReset:                  "*RST",
			adapter.OpClearStatus:            "*CLS",
			adapter.OpError:                  "SYSTem:ERRor?",
			adapter.OpSetCurrent:             "SOURce:CURRent:RANGe {v}\nSOURce:CURRent {v}",
			adapter.OpQueryCurrent:           "SOURce:CURRent?",
			adapter.OpOutputOn:               "OUTPut:STATe ON",
			adapter.OpOutputOff:              "OUTPut:STATe OFF",
			adapter.OpOutputState:            "OUTPut:STATe?",
			adapter.OpSetVoltageProtection:   "SOURce:CURRent:COMPliance {v}",
			adapter.OpQueryVoltageProtection: "SOURce:CURRent:COMPliance?",
			adapter.OpBeeperOn:               "SYSTem:BEEPer:STATe ON",
			adapter.OpBeeperOff:              "SYSTem:BEEPer:STATe OFF",
		},
		VoltageFormat: "%.3f",
		CurrentFormat: "%.2e",
		Settle:        250 * time.Millisecond,
		Link: transport.Settings{
			ReadTermination:   "\n",
			WriteTermination:  "\n",
			QueryDelay:        750 * time.Millisecond,
			GPIB:              true,
			GPIBAddress:       DefaultGPIBAddress,
			BridgeReadTimeout: 600 * time.Millisecond,
		},
		EnvVar:          "K622X_VISA",
		DefaultResource: "TCPIP0::192.168.1.20::23::SOCKET",
	}
}

// K622x is a Keithley 622x current source.
type K622x struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *K622x {
	return &K622x{Base: adapter.NewBase(Model(), sess, opts...)}
}

// IsInterlockTripped reports whether the output interlock is open. The
// instrument answers 0 when tripped.
func (k *K622x) IsInterlockTripped(ctx context.Context) (bool, error) {
	const cmd = "OUTPut:INTerlock:TRIPped?"
	reply, err := k.Query(ctx, cmd)
	if err != nil {
		return false, err
	}
	closed, err := adapter.ParseBool(reply)
	if err != nil {
		return false, adapter.ProtocolError("", cmd, reply, err)
	}
	return !closed, nil
}

func window(top bool) string {
	if top {
		return "DISPlay:TEXT"
	}
	return "DISPlay:WINDow2:TEXT"
}

// DisplayMessageOn shows the user message on the top or bottom line.
func (k *K622x) DisplayMessageOn(ctx context.Context, top bool) error {
	return k.Write(ctx, window(top)+":STATe ON")
}

// DisplayMessageOff returns the line to normal readings.
func (k *K622x) DisplayMessageOff(ctx context.Context, top bool) error {
	return k.Write(ctx, window(top)+":STATe OFF")
}

// SetDisplayMessage sets the user message text. The top line holds 20
// characters and the bottom line 32.
func (k *K622x) SetDisplayMessage(ctx context.Context, msg string, top bool) error {
	limit := 32
	if top {
		limit = 20
	}
	if len(msg) > limit {
		return fmt.Errorf("%w: message longer than %d characters", adapter.ErrInvalidParameter, limit)
	}
	msg = strings.ReplaceAll(msg, `"`, `'`)
	return k.Write(ctx, fmt.Sprintf(`%s "%s"`, window(top), msg))
}

var _ adapter.IInstrument = (*K622x)(nil)
