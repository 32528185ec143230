// Package aimttiplp drives Aim-TTi PL-P series supplies.
//
// The PL-P speaks SCPI syntax with its own command set. Setpoint queries
// echo a label and channel ("V1 5.000"), measurements carry a unit suffix
// ("5.002V"). The supply only implements VXI-11 discovery, so INSTR
// resources are rewritten to its raw socket.
package aimttiplp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// RawPort is the PL-P raw socket.
const RawPort = 9221

// Limit status register bits (LSR<n>?).
const (
	lsrOVP = 1 << 2
	lsrOCP = 1 << 3
)

func Model() adapter.Model {
	return adapter.Model{
		Name:   "PL-P",
		Vendor: "Aim-TTi",
		Kind:   adapter.KindPowerSupply,
		// PL303QMT-P.
		Channels: []adapter.ChannelLimits{
			{MaxVoltage: 30, MaxCurrent: 3, MaxOVP: 40, MaxOCP: 3.3},
			{MaxVoltage: 30, MaxCurrent: 3, MaxOVP: 40, MaxOCP: 3.3},
			{MaxVoltage: 6, MaxCurrent: 1, MaxOVP: 8, MaxOCP: 1.1},
		},
		Commands: adapter.Commands{
			adapter.OpIdentify:                 "*IDN?",
			adapter.OpReset:                    "*RST",
			adapter.OpClearStatus:              "*CLS",
			adapter.OpError:                    "EER?",
			adapter.OpSetVoltage:               "V{ch} {v}",
			adapter.OpSetCurrent:               "I{ch} {v}",
			adapter.OpQueryVoltage:             "V{ch}?",
			adapter.OpQueryCurrent:             "I{ch}?",
			adapter.OpMeasureVoltage:           "V{ch}O?",
			adapter.OpMeasureCurrent:           "I{ch}O?",
			adapter.OpOutputOn:                 "OP{ch} 1",
			adapter.OpOutputOff:                "OP{ch} 0",
			adapter.OpOutputState:              "OP{ch}?",
			adapter.OpOutputOnAll:              "OPALL 1",
			adapter.OpOutputOffAll:             "OPALL 0",
			adapter.OpLocal:                    "LOCAL",
			adapter.OpRemote:                   "*WAI",
			adapter.OpRemoteLock:               "IFLOCK",
			adapter.OpSetVoltageProtection:     "OVP{ch} {v}",
			adapter.OpQueryVoltageProtection:   "OVP{ch}?",
			adapter.OpVoltageProtectionTripped: "LSR{ch}?",
			adapter.OpVoltageProtectionClear:   "TRIPRST",
			adapter.OpSetCurrentProtection:     "OCP{ch} {v}",
			adapter.OpQueryCurrentProtection:   "OCP{ch}?",
			adapter.OpCurrentProtectionTripped: "LSR{ch}?",
			adapter.OpCurrentProtectionClear:   "TRIPRST",
		},
		VoltageFormat: "%.3f",
		CurrentFormat: "%.4f",
		Settle:        time.Second,
		Link: transport.Settings{
			ReadTermination:  "\n",
			WriteTermination: "\r\n",
			RawPort:          RawPort,
		},
		EnvVar:          "TTIPLP_IP",
		DefaultResource: "TCPIP0::192.168.1.100::9221::SOCKET",
		NormalizeReply:  normalize,
	}
}

// normalize strips the unit of measurements and the label of protection
// replies ("VP1 33.00").
func normalize(op adapter.Op, reply string) string {
	switch op {
	case adapter.OpIdentify:
		return reply
	case adapter.OpMeasureVoltage:
		return strings.TrimSuffix(reply, "V")
	case adapter.OpMeasureCurrent:
		return strings.TrimSuffix(reply, "A")
	}
	return adapter.StripLabel(reply)
}

// PLP is an Aim-TTi PL-P supply.
type PLP struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *PLP {
	return &PLP{Base: adapter.NewBase(Model(), sess, opts...)}
}

// QueryVoltage returns the voltage setpoint, checking the reply is for the
// requested channel.
func (p *PLP) QueryVoltage(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return p.labelled(ctx, adapter.OpQueryVoltage, "V", opts)
}

// QueryCurrent returns the current setpoint.
func (p *PLP) QueryCurrent(ctx context.Context, opts ...adapter.CallOption) (float64, error) {
	return p.labelled(ctx, adapter.OpQueryCurrent, "I", opts)
}

func (p *PLP) labelled(ctx context.Context, op adapter.Op, label string, opts []adapter.CallOption) (float64, error) {
	ch, err := p.Resolve(op, opts)
	if err != nil {
		return 0, err
	}
	lines, err := p.Render(op, ch, "")
	if err != nil {
		return 0, err
	}
	reply, err := p.Query(ctx, lines[0])
	if err != nil {
		return 0, err
	}
	v, err := ParseLabelled(reply, label, ch)
	if err != nil {
		return 0, adapter.ProtocolError(op, lines[0], reply, err)
	}
	return v, nil
}

// ParseLabelled parses a "<label><ch> <value>" reply such as "V1 5.000".
func ParseLabelled(reply, label string, ch int) (float64, error) {
	head, value, ok := strings.Cut(strings.TrimSpace(reply), " ")
	if !ok {
		return 0, fmt.Errorf("reply has no value")
	}
	want := label + strconv.Itoa(ch)
	if head != want {
		return 0, fmt.Errorf("reply is for %q, want %q", head, want)
	}
	return adapter.ParseFloat(value)
}

// IsVoltageProtectionTripped reads the OVP bit of the limit status register.
func (p *PLP) IsVoltageProtectionTripped(ctx context.Context, opts ...adapter.CallOption) (bool, error) {
	return p.limitStatus(ctx, adapter.OpVoltageProtectionTripped, lsrOVP, opts)
}

// IsCurrentProtectionTripped reads the OCP bit of the limit status register.
func (p *PLP) IsCurrentProtectionTripped(ctx context.Context, opts ...adapter.CallOption) (bool, error) {
	return p.limitStatus(ctx, adapter.OpCurrentProtectionTripped, lsrOCP, opts)
}

func (p *PLP) limitStatus(ctx context.Context, op adapter.Op, bit int, opts []adapter.CallOption) (bool, error) {
	ch, err := p.Resolve(op, opts)
	if err != nil {
		return false, err
	}
	reply, err := p.Ask(ctx, op, ch)
	if err != nil {
		return false, err
	}
	lsr, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return false, adapter.ProtocolError(op, "LSR?", reply, err)
	}
	return lsr&bit != 0, nil
}

var _ adapter.IInstrument = (*PLP)(nil)
