// Package keithley2182 drives the Keithley/Tektronix 2182 and 2182A
// nanovoltmeters on GPIB, normally through a Prologix Ethernet bridge.
//
// The 2182 has two input channels and no output; only voltage measurement,
// ranging and a few system settings are available.
package keithley2182

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
const DefaultGPIBAddress = 7

func Model() adapter.Model {
	return adapter.Model{
		Name:   "2182",
		Vendor: "Keithley",
		Kind:   adapter.KindVoltmeter,
		Channels: []adapter.ChannelLimits{
			{MinVoltage: -120, MaxVoltage: 120},
			{MinVoltage: -12, MaxVoltage: 12},
		},
		Commands: adapter.Commands{
			adapter.OpSelect:         "SENSe:CHANnel {ch}",
			adapter.OpIdentify:       "*IDN?",
			adapter.OpReset:          "*RST",
			adapter.OpClearStatus:    "*CLS",
			adapter.OpError:          "SYSTem:ERRor?",
			adapter.OpMeasureVoltage: "SENSe:FUNCtion 'VOLTage'\nSENSe:CHANnel {ch}\nREAD?",
			adapter.OpBeeperOn:       "SYSTem:BEEPer:STATe ON",
			adapter.OpBeeperOff:      "SYSTem:BEEPer:STATe OFF",
		},
		Prefix:        ":",
		VoltageFormat: "%.3e",
		CurrentFormat: "%.3e",
		AlwaysSelect:  true,
		Settle:        250 * time.Millisecond,
		Link: transport.Settings{
			ReadTermination:   "\n",
			WriteTermination:  "\n",
			QueryDelay:        800 * time.Millisecond,
			GPIB:              true,
			GPIBAddress:       DefaultGPIBAddress,
			BridgeReadTimeout: 1200 * time.Millisecond,
		},
		EnvVar:          "K2182_VISA",
		DefaultResource: "TCPIP0::192.168.1.20::23::SOCKET",
	}
}

// K2182 is a Keithley 2182 nanovoltmeter.
type K2182 struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *K2182 {
	return &K2182{Base: adapter.NewBase(Model(), sess, opts...)}
}

// SetLineSync enables or disables line cycle synchronization.
func (k *K2182) SetLineSync(ctx context.Context, on bool) error {
	return k.Write(ctx, "SYSTem:LSYNc "+onOff(on))
}

func (k *K2182) QueryLineSync(ctx context.Context) (bool, error) {
	return k.askBool(ctx, "SYSTem:LSYNc?")
}

// QueryInternalTemperature returns the internal temperature in °C.
func (k *K2182) QueryInternalTemperature(ctx context.Context) (float64, error) {
	return k.askFloat(ctx, "SENSe:TEMPerature:RTEMperature?")
}

// SetVoltageRange fixes the voltage range of a channel to hold upper volts.
func (k *K2182) SetVoltageRange(ctx context.Context, upper float64, opts ...adapter.CallOption) error {
	ch, err := k.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return err
	}
	if err := k.CheckVoltage(adapter.OpMeasureVoltage, ch, upper); err != nil {
		return err
	}
	base := rangeNode(ch)
	if err := k.Write(ctx, base+":AUTO OFF"); err != nil {
		return err
	}
	return k.Write(ctx, fmt.Sprintf("%s %.3e", base, upper))
}

// SetVoltageRangeAuto enables autoranging on a channel.
func (k *K2182) SetVoltageRangeAuto(ctx context.Context, opts ...adapter.CallOption) error {
	ch, err := k.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return err
	}
	return k.Write(ctx, rangeNode(ch)+":AUTO ON")
}

// QueryVoltageRange returns whether a channel autoranges and its present
// upper range.
func (k *K2182) QueryVoltageRange(ctx context.Context, opts ...adapter.CallOption) (auto bool, upper float64, err error) {
	ch, err := k.Resolve(adapter.OpMeasureVoltage, opts)
	if err != nil {
		return false, 0, err
	}
	base := rangeNode(ch)
	if auto, err = k.askBool(ctx, base+":AUTO?"); err != nil {
		return false, 0, err
	}
	upper, err = k.askFloat(ctx, base+"?")
	return auto, upper, err
}

// DisplayMessageOn shows the user message.
func (k *K2182) DisplayMessageOn(ctx context.Context) error {
	return k.Write(ctx, "DISPlay:WINDow1:TEXT:STATe ON")
}

// DisplayMessageOff returns the display to readings.
func (k *K2182) DisplayMessageOff(ctx context.Context) error {
	return k.Write(ctx, "DISPlay:WINDow1:TEXT:STATe OFF")
}

// SetDisplayMessage sets the user message, at most 12 characters.
func (k *K2182) SetDisplayMessage(ctx context.Context, msg string) error {
	if len(msg) > 12 {
		return fmt.Errorf("%w: message longer than 12 characters", adapter.ErrInvalidParameter)
	}
	msg = strings.ReplaceAll(msg, `"`, `'`)
	return k.Write(ctx, `DISPlay:WINDow1:TEXT:DATA "`+msg+`"`)
}

func rangeNode(ch int) string {
	return "SENSe:VOLTage:CHANnel" + strconv.Itoa(ch) + ":RANGe"
}

func (k *K2182) askFloat(ctx context.Context, cmd string) (float64, error) {
	reply, err := k.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := adapter.ParseFloat(reply)
	if err != nil {
		return 0, adapter.ProtocolError("", cmd, reply, err)
	}
	return v, nil
}

func (k *K2182) askBool(ctx context.Context, cmd string) (bool, error) {
	reply, err := k.Query(ctx, cmd)
	if err != nil {
		return false, err
	}
	v, err := adapter.ParseBool(reply)
	if err != nil {
		return false, adapter.ProtocolError("", cmd, reply, err)
	}
	return v, nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

var _ adapter.IInstrument = (*K2182)(nil)
