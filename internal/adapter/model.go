package adapter

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/transport"
)

// Kind is the instrument category.
type Kind string

const (
	KindPowerSupply   Kind = "power-supply"
	KindCurrentSource Kind = "current-source"
	KindSourceMeter   Kind = "source-meter"
	KindVoltmeter     Kind = "voltmeter"
	KindMultimeter    Kind = "multimeter"
	KindLoad          Kind = "electronic-load"
)

// ChannelLimits bound the values a channel accepts.
type ChannelLimits struct {
	MinVoltage float64 `json:"minVoltage"`
	MaxVoltage float64 `json:"maxVoltage"`
	MinCurrent float64 `json:"minCurrent"`
	MaxCurrent float64 `json:"maxCurrent"`
	// MaxOVP and MaxOCP bound protection levels; zero means MaxVoltage
	// and MaxCurrent.
	MaxOVP float64 `json:"maxOvp,omitempty"`
	MaxOCP float64 `json:"maxOcp,omitempty"`
}

// Op names a facade operation and keys the command table.
type Op string

const (
	OpSelect                   Op = "select"
	OpIdentify                 Op = "identify"
	OpReset                    Op = "reset"
	OpClearStatus              Op = "clearStatus"
	OpError                    Op = "errorQueue"
	OpSetVoltage               Op = "setVoltage"
	OpSetCurrent               Op = "setCurrent"
	OpQueryVoltage             Op = "queryVoltage"
	OpQueryCurrent             Op = "queryCurrent"
	OpMeasureVoltage           Op = "measureVoltage"
	OpMeasureCurrent           Op = "measureCurrent"
	OpOutputOn                 Op = "outputOn"
	OpOutputOff                Op = "outputOff"
	OpOutputState              Op = "isOutputOn"
	OpOutputOnAll              Op = "outputOnAll"
	OpOutputOffAll             Op = "outputOffAll"
	OpLocal                    Op = "setLocal"
	OpRemote                   Op = "setRemote"
	OpRemoteLock               Op = "setRemoteLock"
	OpSetVoltageProtection     Op = "setVoltageProtection"
	OpQueryVoltageProtection   Op = "queryVoltageProtection"
	OpVoltageProtectionOn      Op = "voltageProtectionOn"
	OpVoltageProtectionOff     Op = "voltageProtectionOff"
	OpVoltageProtectionTripped Op = "isVoltageProtectionTripped"
	OpVoltageProtectionClear   Op = "voltageProtectionClear"
	OpSetCurrentProtection     Op = "setCurrentProtection"
	OpQueryCurrentProtection   Op = "queryCurrentProtection"
	OpCurrentProtectionOn      Op = "currentProtectionOn"
	OpCurrentProtectionOff     Op = "currentProtectionOff"
	OpCurrentProtectionTripped Op = "isCurrentProtectionTripped"
	OpCurrentProtectionClear   Op = "currentProtectionClear"
	OpBeeperOn                 Op = "beeperOn"
	OpBeeperOff                Op = "beeperOff"
)

// Commands maps operations to SCPI templates. "{ch}" is replaced by the
// channel number and "{v}" by the formatted value; a newline separates
// commands sent in sequence. A missing or empty template means the
// instrument cannot perform the operation.
type Commands map[Op]string

// With returns a copy of c with overrides applied. An empty override
// removes the operation.
func (c Commands) With(overrides Commands) Commands {
	out := make(Commands, len(c)+len(overrides))
	for op, tpl := range c {
		out[op] = tpl
	}
	for op, tpl := range overrides {
		if tpl == "" {
			delete(out, op)
			continue
		}
		out[op] = tpl
	}
	return out
}

// Without returns a copy of c without ops.
func (c Commands) Without(ops ...Op) Commands {
	rm := make(Commands, len(ops))
	for _, op := range ops {
		rm[op] = ""
	}
	return c.With(rm)
}

// StandardCommands is the generic SCPI power-supply dialect.
var StandardCommands = Commands{
	OpSelect:                   "INSTrument:NSELect {ch}",
	OpIdentify:                 "*IDN?",
	OpReset:                    "*RST",
	OpClearStatus:              "*CLS",
	OpError:                    "SYSTem:ERRor?",
	OpSetVoltage:               "SOURce:VOLTage:LEVel:IMMediate:AMPLitude {v}",
	OpSetCurrent:               "SOURce:CURRent:LEVel:IMMediate:AMPLitude {v}",
	OpQueryVoltage:             "SOURce:VOLTage:LEVel:IMMediate:AMPLitude?",
	OpQueryCurrent:             "SOURce:CURRent:LEVel:IMMediate:AMPLitude?",
	OpMeasureVoltage:           "MEASure:VOLTage:DC?",
	OpMeasureCurrent:           "MEASure:CURRent:DC?",
	OpOutputOn:                 "OUTPut:STATe ON",
	OpOutputOff:                "OUTPut:STATe OFF",
	OpOutputState:              "OUTPut:STATe?",
	OpLocal:                    "SYSTem:LOCal",
	OpRemote:                   "SYSTem:REMote",
	OpRemoteLock:               "SYSTem:RWLock ON",
	OpSetVoltageProtection:     "SOURce:VOLTage:PROTection:LEVel {v}",
	OpQueryVoltageProtection:   "SOURce:VOLTage:PROTection:LEVel?",
	OpVoltageProtectionOn:      "SOURce:VOLTage:PROTection:STATe ON",
	OpVoltageProtectionOff:     "SOURce:VOLTage:PROTection:STATe OFF",
	OpVoltageProtectionTripped: "SOURce:VOLTage:PROTection:TRIPped?",
	OpVoltageProtectionClear:   "SOURce:VOLTage:PROTection:CLEar",
	OpSetCurrentProtection:     "SOURce:CURRent:PROTection:LEVel {v}",
	OpQueryCurrentProtection:   "SOURce:CURRent:PROTection:LEVel?",
	OpCurrentProtectionOn:      "SOURce:CURRent:PROTection:STATe ON",
	OpCurrentProtectionOff:     "SOURce:CURRent:PROTection:STATe OFF",
	OpCurrentProtectionTripped: "SOURce:CURRent:PROTection:TRIPped?",
	OpCurrentProtectionClear:   "SOURce:CURRent:PROTection:CLEar",
	OpBeeperOn:                 "SYSTem:BEEPer:STATe ON",
	OpBeeperOff:                "SYSTem:BEEPer:STATe OFF",
}

// channelScoped lists operations that act on one channel.
var channelScoped = map[Op]bool{
	OpSetVoltage: true, OpSetCurrent: true,
	OpQueryVoltage: true, OpQueryCurrent: true,
	OpMeasureVoltage: true, OpMeasureCurrent: true,
	OpOutputOn: true, OpOutputOff: true, OpOutputState: true,
	OpSetVoltageProtection: true, OpQueryVoltageProtection: true,
	OpVoltageProtectionOn: true, OpVoltageProtectionOff: true,
	OpVoltageProtectionTripped: true, OpVoltageProtectionClear: true,
	OpSetCurrentProtection: true, OpQueryCurrentProtection: true,
	OpCurrentProtectionOn: true, OpCurrentProtectionOff: true,
	OpCurrentProtectionTripped: true, OpCurrentProtectionClear: true,
}

// IsChannelScoped reports whether op acts on a single channel.
func IsChannelScoped(op Op) bool { return channelScoped[op] }

// Model is the static descriptor of a model family.
type Model struct {
	Name   string
	Vendor string
	Kind   Kind

	// Channels holds per-channel limits; its length is the channel count.
	Channels []ChannelLimits

	Commands Commands

	// Prefix is prepended to every command except IEEE 488.2 common
	// commands (*IDN? etc.) and bridge commands (++...).
	Prefix string

	// VoltageFormat and CurrentFormat are fmt verbs for values sent.
	VoltageFormat string
	CurrentFormat string

	// AlwaysSelect sends the select command before every channel-scoped
	// command instead of only when the channel changes.
	AlwaysSelect bool

	// SyncWrites waits on *OPC? after each write.
	SyncWrites bool

	// RemoteBeforeWrite enters remote mode before the first state-changing
	// command after Open.
	RemoteBeforeWrite bool

	// Settle is the default wait after state-changing commands.
	Settle time.Duration

	// Link configures the transport session for this model.
	Link transport.Settings

	// EnvVar names the environment variable holding the default resource.
	EnvVar string
	// DefaultResource is used when EnvVar is unset.
	DefaultResource string

	// NormalizeReply, when set, rewrites raw replies before numeric or
	// boolean parsing (e.g. "V1 5.000" to "5.000").
	NormalizeReply func(op Op, reply string) string
}

// MaxChannel returns the number of channels.
func (m Model) MaxChannel() int { return len(m.Channels) }

// Limits returns the limits of channel ch (1-based).
func (m Model) Limits(ch int) ChannelLimits {
	if ch < 1 || ch > len(m.Channels) {
		return ChannelLimits{}
	}
	return m.Channels[ch-1]
}

// Supports reports whether the command table has op.
func (m Model) Supports(op Op) bool { return m.Commands[op] != "" }

// Prefixed applies the model's command prefix to cmd. Common commands
// (*IDN? etc.), bridge commands (++...) and already prefixed commands are
// returned unchanged.
func (m Model) Prefixed(cmd string) string {
	p := m.Prefix
	if p == "" || strings.HasPrefix(cmd, "*") || strings.HasPrefix(cmd, "++") || strings.HasPrefix(cmd, p) {
		return cmd
	}
	return p + cmd
}

// Wire returns the commands sent for op on channel ch with value v, prefix
// applied. It returns nil when the model lacks op.
func (m Model) Wire(op Op, ch int, v string) []string {
	tpl := m.Commands[op]
	if tpl == "" {
		return nil
	}
	r := strings.NewReplacer("{ch}", strconv.Itoa(ch), "{v}", v)
	lines := strings.Split(r.Replace(tpl), "\n")
	for i, line := range lines {
		lines[i] = m.Prefixed(line)
	}
	return lines
}

// EmbedsChannel reports whether op's template carries the channel number.
func (m Model) EmbedsChannel(op Op) bool {
	return strings.Contains(m.Commands[op], "{ch}")
}

// SelectsChannel reports whether channel-scoped commands without an
// embedded channel number need a preceding select command.
func (m Model) SelectsChannel() bool {
	return m.MaxChannel() > 1 && m.Supports(OpSelect)
}

// Capabilities returns the model's capabilities.
func (m Model) Capabilities() Capabilities {
	chans := make([]ChannelLimits, len(m.Channels))
	copy(chans, m.Channels)
	return Capabilities{Kind: m.Kind, Channels: chans}
}

// Tolerance returns how far a value read back may differ from v after
// formatting with the model's format for the quantity of op.
func (m Model) Tolerance(op Op, v float64) float64 {
	format := m.VoltageFormat
	switch op {
	case OpSetCurrent, OpQueryCurrent, OpSetCurrentProtection, OpQueryCurrentProtection:
		format = m.CurrentFormat
	}
	return formatTolerance(format, v)
}

func formatTolerance(format string, v float64) float64 {
	i := strings.LastIndex(format, ".")
	if i < 0 || len(format) < i+3 {
		return 1e-9
	}
	verb := format[len(format)-1]
	prec, err := strconv.Atoi(format[i+1 : len(format)-1])
	if err != nil {
		return 1e-9
	}
	step := math.Pow(10, -float64(prec))
	switch verb {
	case 'e', 'E':
		return math.Abs(v)*step + 1e-12
	default:
		return step/2 + 1e-12
	}
}

// GenericModel describes an unbranded SCPI supply with n identical channels
// speaking StandardCommands.
func GenericModel(n int, limits ChannelLimits) Model {
	chans := make([]ChannelLimits, n)
	for i := range chans {
		chans[i] = limits
	}
	return Model{
		Name:            "SCPI",
		Vendor:          "generic",
		Kind:            KindPowerSupply,
		Channels:        chans,
		Commands:        StandardCommands,
		VoltageFormat:   "%.3f",
		CurrentFormat:   "%.4f",
		Settle:          time.Second,
		Link:            transport.Settings{ReadTermination: "\n", WriteTermination: "\n"},
		EnvVar:          "SCPI_VISA",
		DefaultResource: "TCPIP0::127.0.0.1::5025::SOCKET",
	}
}
