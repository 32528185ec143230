package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/benchlab/dcps/internal/adapter"
)

type verb struct {
	usage  string
	help   string
	silent bool
	run    func(ctx context.Context, inv *invocation) (string, error)
}

type (
	setFunc   func(ctx context.Context, v float64, opts ...adapter.CallOption) error
	getFunc   func(ctx context.Context, opts ...adapter.CallOption) (float64, error)
	chanFunc  func(ctx context.Context, opts ...adapter.CallOption) error
	boolFunc  func(ctx context.Context, opts ...adapter.CallOption) (bool, error)
	plainFunc func(ctx context.Context) error
)

var verbs map[string]verb

func init() {
	verbs = map[string]verb{
		"help": {usage: "", help: "list verbs", silent: true, run: runHelp},
		"caps": {usage: "", help: "show channel limits", silent: true, run: runCaps},

		"idn":   {usage: "", help: "identify", run: runIdentify},
		"reset": {usage: "", help: "reset to power-on state", run: plain(func(i adapter.IInstrument) plainFunc { return i.Reset })},
		"cls":   {usage: "", help: "clear status", run: plain(func(i adapter.IInstrument) plainFunc { return i.ClearStatus })},
		"chan":  {usage: "[n]", help: "show or set the active channel", run: runChannel},

		"volt":       {usage: "<v> [ch]", help: "set voltage", run: set("voltage", func(i adapter.IInstrument) setFunc { return i.SetVoltage })},
		"curr":       {usage: "<a> [ch]", help: "set current", run: set("current", func(i adapter.IInstrument) setFunc { return i.SetCurrent })},
		"volt?":      {usage: "[ch]", help: "query voltage setpoint", run: get(func(i adapter.IInstrument) getFunc { return i.QueryVoltage })},
		"curr?":      {usage: "[ch]", help: "query current setpoint", run: get(func(i adapter.IInstrument) getFunc { return i.QueryCurrent })},
		"meas:volt?": {usage: "[ch]", help: "measure voltage", run: get(func(i adapter.IInstrument) getFunc { return i.MeasureVoltage })},
		"meas:curr?": {usage: "[ch]", help: "measure current", run: get(func(i adapter.IInstrument) getFunc { return i.MeasureCurrent })},

		"on":      {usage: "[ch]", help: "output on", run: act(func(i adapter.IInstrument) chanFunc { return i.OutputOn })},
		"off":     {usage: "[ch]", help: "output off", run: act(func(i adapter.IInstrument) chanFunc { return i.OutputOff })},
		"out?":    {usage: "[ch]", help: "query output state", run: ask(func(i adapter.IInstrument) boolFunc { return i.IsOutputOn })},
		"on:all":  {usage: "", help: "all outputs on", run: plain(func(i adapter.IInstrument) plainFunc { return i.OutputOnAll })},
		"off:all": {usage: "", help: "all outputs off", run: plain(func(i adapter.IInstrument) plainFunc { return i.OutputOffAll })},

		"local":  {usage: "", help: "return to front panel", run: plain(func(i adapter.IInstrument) plainFunc { return i.SetLocal })},
		"remote": {usage: "", help: "remote control", run: plain(func(i adapter.IInstrument) plainFunc { return i.SetRemote })},
		"lock":   {usage: "", help: "remote control, panel locked", run: plain(func(i adapter.IInstrument) plainFunc { return i.SetRemoteLock })},

		"ovp":       {usage: "<v>|on|off|clear [ch]", help: "over-voltage protection", run: protection(voltageProtection)},
		"ovp?":      {usage: "[ch]", help: "query over-voltage level", run: get(func(i adapter.IInstrument) getFunc { return i.QueryVoltageProtection })},
		"ovp:trip?": {usage: "[ch]", help: "query over-voltage trip", run: ask(func(i adapter.IInstrument) boolFunc { return i.IsVoltageProtectionTripped })},
		"ocp":       {usage: "<a>|on|off|clear [ch]", help: "over-current protection", run: protection(currentProtection)},
		"ocp?":      {usage: "[ch]", help: "query over-current level", run: get(func(i adapter.IInstrument) getFunc { return i.QueryCurrentProtection })},
		"ocp:trip?": {usage: "[ch]", help: "query over-current trip", run: ask(func(i adapter.IInstrument) boolFunc { return i.IsCurrentProtectionTripped })},
		"beep":      {usage: "on|off", help: "beeper", run: runBeep},
		"raw":       {usage: "<scpi>", help: "send SCPI text; a ? in the header reads the reply", run: runRaw},
	}
}

func runHelp(_ context.Context, _ *invocation) (string, error) {
	return strings.Join(Help(), "\n"), nil
}

func runCaps(_ context.Context, inv *invocation) (string, error) {
	m := inv.inst().Model()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)", m.Vendor, m.Name, m.Kind)
	for i, c := range m.Channels {
		fmt.Fprintf(&b, "\nCH%d %g..%gV %g..%gA", i+1, c.MinVoltage, c.MaxVoltage, c.MinCurrent, c.MaxCurrent)
	}
	return b.String(), nil
}

func runIdentify(ctx context.Context, inv *invocation) (string, error) {
	if err := inv.maxArgs(0); err != nil {
		return "", err
	}
	return inv.inst().Identify(ctx)
}

func runChannel(_ context.Context, inv *invocation) (string, error) {
	if err := inv.maxArgs(1); err != nil {
		return "", err
	}
	if len(inv.args) == 0 {
		return strconv.Itoa(inv.inst().Channel()), nil
	}
	ch, err := strconv.Atoi(inv.args[0])
	if err != nil {
		return "", fmt.Errorf("%w: channel %q is not an integer", adapter.ErrInvalidParameter, inv.args[0])
	}
	inv.channel = ch
	return "", inv.inst().SetChannel(ch)
}

func plain(pick func(adapter.IInstrument) plainFunc) func(context.Context, *invocation) (string, error) {
	return func(ctx context.Context, inv *invocation) (string, error) {
		if err := inv.maxArgs(0); err != nil {
			return "", err
		}
		return "", pick(inv.inst())(ctx)
	}
}

func set(name string, pick func(adapter.IInstrument) setFunc) func(context.Context, *invocation) (string, error) {
	return func(ctx context.Context, inv *invocation) (string, error) {
		if err := inv.maxArgs(2); err != nil {
			return "", err
		}
		v, err := inv.value(0, name)
		if err != nil {
			return "", err
		}
		opts, err := inv.target(1)
		if err != nil {
			return "", err
		}
		return "", pick(inv.inst())(ctx, v, opts...)
	}
}

func get(pick func(adapter.IInstrument) getFunc) func(context.Context, *invocation) (string, error) {
	return func(ctx context.Context, inv *invocation) (string, error) {
		if err := inv.maxArgs(1); err != nil {
			return "", err
		}
		opts, err := inv.target(0)
		if err != nil {
			return "", err
		}
		v, err := pick(inv.inst())(ctx, opts...)
		if err != nil {
			return "", err
		}
		return formatFloat(v), nil
	}
}

func act(pick func(adapter.IInstrument) chanFunc) func(context.Context, *invocation) (string, error) {
	return func(ctx context.Context, inv *invocation) (string, error) {
		if err := inv.maxArgs(1); err != nil {
			return "", err
		}
		opts, err := inv.target(0)
		if err != nil {
			return "", err
		}
		return "", pick(inv.inst())(ctx, opts...)
	}
}

func ask(pick func(adapter.IInstrument) boolFunc) func(context.Context, *invocation) (string, error) {
	return func(ctx context.Context, inv *invocation) (string, error) {
		if err := inv.maxArgs(1); err != nil {
			return "", err
		}
		opts, err := inv.target(0)
		if err != nil {
			return "", err
		}
		on, err := pick(inv.inst())(ctx, opts...)
		if err != nil {
			return "", err
		}
		return formatBool(on), nil
	}
}

// protectionOps groups one protection family of the facade.
type protectionOps struct {
	name  string
	set   setFunc
	on    chanFunc
	off   chanFunc
	clear chanFunc
}

func voltageProtection(i adapter.IInstrument) protectionOps {
	return protectionOps{"voltage", i.SetVoltageProtection, i.VoltageProtectionOn, i.VoltageProtectionOff, i.VoltageProtectionClear}
}

func currentProtection(i adapter.IInstrument) protectionOps {
	return protectionOps{"current", i.SetCurrentProtection, i.CurrentProtectionOn, i.CurrentProtectionOff, i.CurrentProtectionClear}
}

func protection(pick func(adapter.IInstrument) protectionOps) func(context.Context, *invocation) (string, error) {
	return func(ctx context.Context, inv *invocation) (string, error) {
		if err := inv.maxArgs(2); err != nil {
			return "", err
		}
		if len(inv.args) == 0 {
			return "", fmt.Errorf("%w: missing level or on|off|clear", adapter.ErrInvalidParameter)
		}
		ops := pick(inv.inst())
		var fn chanFunc
		switch strings.ToLower(inv.args[0]) {
		case "on":
			fn = ops.on
		case "off":
			fn = ops.off
		case "clear":
			fn = ops.clear
		}
		if fn != nil {
			inv.params["state"] = strings.ToLower(inv.args[0])
			opts, err := inv.target(1)
			if err != nil {
				return "", err
			}
			return "", fn(ctx, opts...)
		}
		v, err := inv.value(0, ops.name)
		if err != nil {
			return "", err
		}
		opts, err := inv.target(1)
		if err != nil {
			return "", err
		}
		return "", ops.set(ctx, v, opts...)
	}
}

func runBeep(ctx context.Context, inv *invocation) (string, error) {
	if err := inv.maxArgs(1); err != nil {
		return "", err
	}
	if len(inv.args) == 0 {
		return "", fmt.Errorf("%w: beep needs on or off", adapter.ErrInvalidParameter)
	}
	inv.params["state"] = strings.ToLower(inv.args[0])
	switch strings.ToLower(inv.args[0]) {
	case "on":
		return "", inv.inst().BeeperOn(ctx)
	case "off":
		return "", inv.inst().BeeperOff(ctx)
	}
	return "", fmt.Errorf("%w: beep needs on or off, got %q", adapter.ErrInvalidParameter, inv.args[0])
}

func runRaw(ctx context.Context, inv *invocation) (string, error) {
	cmd := ""
	if len(inv.args) > 0 {
		cmd = inv.args[0]
	}
	if cmd == "" {
		return "", fmt.Errorf("%w: raw needs SCPI text", adapter.ErrInvalidParameter)
	}
	inv.params["scpi"] = cmd
	port, ok := inv.inst().(RawPort)
	if !ok {
		return "", adapter.NotSupported(inv.inst().Model().Name, "raw")
	}
	if isQuery(cmd) {
		return port.Query(ctx, cmd)
	}
	return "", port.Write(ctx, cmd)
}

// isQuery reports whether any message unit of cmd has a query header, as in
// "MEAS:VOLT? CH1" or "VOLT 5;VOLT?". Arguments may contain '?' freely.
func isQuery(cmd string) bool {
	for _, unit := range strings.Split(cmd, ";") {
		if f := strings.Fields(unit); len(f) > 0 && strings.Contains(f[0], "?") {
			return true
		}
	}
	return false
}
