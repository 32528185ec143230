package simulator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// call is one parsed command.
type call struct {
	ch   int
	args []string
}

type runFunc func(in *Instrument, c call) (string, error)

type rule struct {
	match matcher
	query bool
	// common rules are immune to faults.
	common bool
	run    runFunc
}

type dialect struct {
	name               string
	idn                string
	protectionAlwaysOn bool
	voltFmt            string
	currFmt            string
	boolFmt            func(bool) string
	tripFmt            func(bool) string
	rules              []rule
}

func (d *dialect) lookup(head string, query bool) (rule, int, bool) {
	for _, r := range d.rules {
		if r.query != query {
			continue
		}
		if ch, ok := r.match(head); ok {
			return r, ch, true
		}
	}
	return rule{}, 0, false
}

// Dialects lists the supported dialect names.
func Dialects() []string { return []string{"scpi", "dp800", "aimtti"} }

var dialects = map[string]*dialect{}

func init() {
	scpi := &dialect{
		name:    "scpi",
		idn:     "DCPS,SIM-SCPI,0,1.0",
		voltFmt: "%.3f",
		currFmt: "%.4f",
		boolFmt: digit,
		tripFmt: digit,
	}
	scpi.rules = append(commonRules(), scpiRules()...)

	dp800 := &dialect{
		name:    "dp800",
		idn:     "RIGOL TECHNOLOGIES,DP832,DP8SIM000001,00.01.16",
		voltFmt: "%.3f",
		currFmt: "%.3f",
		boolFmt: onOff,
		tripFmt: yesNo,
	}
	dp800.rules = append(commonRules(), dp800Rules()...)
	dp800.rules = append(dp800.rules, scpiRules()...)

	aimtti := &dialect{
		name:               "aimtti",
		idn:                "THURLBY THANDAR,PL303QMT-P,SIM000001,3.02-4.06",
		protectionAlwaysOn: true,
		voltFmt:            "%.3f",
		currFmt:            "%.4f",
		boolFmt:            digit,
		tripFmt:            digit,
	}
	aimtti.rules = append(commonRules(), aimttiRules()...)

	for _, d := range []*dialect{scpi, dp800, aimtti} {
		dialects[d.name] = d
	}
}

func digit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

// IEEE 488.2 common commands.
func commonRules() []rule {
	ok := func(*Instrument, call) (string, error) { return "", nil }
	return []rule{
		{match: exact("*IDN"), query: true, common: true, run: func(in *Instrument, _ call) (string, error) {
			return in.opts.IDN, nil
		}},
		{match: exact("*RST"), common: true, run: func(in *Instrument, _ call) (string, error) {
			in.reset()
			return "", nil
		}},
		{match: exact("*CLS"), common: true, run: func(in *Instrument, _ call) (string, error) {
			in.errors = nil
			return "", nil
		}},
		{match: exact("*OPC"), query: true, common: true, run: func(*Instrument, call) (string, error) { return "1", nil }},
		{match: exact("*OPC"), common: true, run: ok},
		{match: exact("*WAI"), common: true, run: ok},
		{match: exact("*TST"), query: true, common: true, run: func(*Instrument, call) (string, error) { return "0", nil }},
	}
}

// target resolves the addressed channel: a header suffix first, then a
// leading "CHn" argument, then the selected channel. It returns the
// remaining arguments.
func (in *Instrument) target(c call) (*Channel, []string, error) {
	ch, args := c.ch, c.args
	if ch == 0 && len(args) > 0 {
		if n, ok := chanArg(args[0]); ok {
			ch, args = n, args[1:]
		}
	}
	if ch == 0 {
		ch = in.selected
	}
	ch2, err := in.channel(ch)
	return ch2, args, err
}

func chanArg(s string) (int, bool) {
	u := strings.ToUpper(s)
	if !strings.HasPrefix(u, "CH") {
		return 0, false
	}
	n, err := strconv.Atoi(u[2:])
	return n, err == nil
}

func number(args []string, i int) (float64, error) {
	if i >= len(args) {
		return 0, errMissingParam
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errDataOutOfRange
	}
	return v, nil
}

func boolArg(args []string, i int) (bool, error) {
	if i >= len(args) {
		return false, errMissingParam
	}
	switch strings.ToUpper(args[i]) {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	}
	return false, errDataOutOfRange
}

type field func(*Channel) *float64

func voltage(c *Channel) *float64 { return &c.Voltage }
func current(c *Channel) *float64 { return &c.Current }
func ovp(c *Channel) *float64     { return &c.OVP }
func ocp(c *Channel) *float64     { return &c.OCP }

type flag func(*Channel) *bool

func ovpOn(c *Channel) *bool      { return &c.OVPOn }
func ocpOn(c *Channel) *bool      { return &c.OCPOn }
func ovpTripped(c *Channel) *bool { return &c.OVPTripped }
func ocpTripped(c *Channel) *bool { return &c.OCPTripped }

// limit returns the largest value f accepts.
func (in *Instrument) limit(f field) float64 {
	var zero Channel
	switch f(&zero) {
	case &zero.Voltage:
		return in.opts.MaxVoltage
	case &zero.Current:
		return in.opts.MaxCurrent
	case &zero.OVP:
		return in.opts.MaxVoltage * 1.5
	}
	return in.opts.MaxCurrent * 1.5
}

func setLevel(f field) runFunc {
	return func(in *Instrument, c call) (string, error) {
		ch, args, err := in.target(c)
		if err != nil {
			return "", err
		}
		v, err := number(args, 0)
		if err != nil {
			return "", err
		}
		if v < 0 || v > in.limit(f) {
			return "", errDataOutOfRange
		}
		*f(ch) = v
		return "", nil
	}
}

func getLevel(f field, format func(d *dialect) string) runFunc {
	return func(in *Instrument, c call) (string, error) {
		ch, _, err := in.target(c)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(format(in.dialect), *f(ch)), nil
	}
}

func voltFmt(d *dialect) string { return d.voltFmt }
func currFmt(d *dialect) string { return d.currFmt }

func setFlag(f flag) runFunc {
	return func(in *Instrument, c call) (string, error) {
		ch, args, err := in.target(c)
		if err != nil {
			return "", err
		}
		on, err := boolArg(args, 0)
		if err != nil {
			return "", err
		}
		*f(ch) = on
		return "", nil
	}
}

func getFlag(f flag, trip bool) runFunc {
	return func(in *Instrument, c call) (string, error) {
		ch, _, err := in.target(c)
		if err != nil {
			return "", err
		}
		if trip {
			return in.dialect.tripFmt(*f(ch)), nil
		}
		return in.dialect.boolFmt(*f(ch)), nil
	}
}

func clearTrip(f flag) runFunc {
	return func(in *Instrument, c call) (string, error) {
		ch, _, err := in.target(c)
		if err != nil {
			return "", err
		}
		*f(ch) = false
		return "", nil
	}
}

func (in *Instrument) setOutput(ch *Channel, on bool) error {
	if on && (ch.OVPTripped || ch.OCPTripped) {
		return errSettings
	}
	ch.Output = on
	return nil
}

func setOutput(in *Instrument, c call) (string, error) {
	ch, args, err := in.target(c)
	if err != nil {
		return "", err
	}
	on, err := boolArg(args, 0)
	if err != nil {
		return "", err
	}
	return "", in.setOutput(ch, on)
}

func getOutput(in *Instrument, c call) (string, error) {
	ch, _, err := in.target(c)
	if err != nil {
		return "", err
	}
	return in.dialect.boolFmt(ch.Output), nil
}

func measure(volts bool) runFunc {
	return func(in *Instrument, c call) (string, error) {
		ch, _, err := in.target(c)
		if err != nil {
			return "", err
		}
		v, i := in.measure(ch)
		if volts {
			return fmt.Sprintf(in.dialect.voltFmt, v), nil
		}
		return fmt.Sprintf(in.dialect.currFmt, i), nil
	}
}

func remote(lock bool) runFunc {
	return func(in *Instrument, c call) (string, error) {
		on := true
		if len(c.args) > 0 {
			var err error
			if on, err = boolArg(c.args, 0); err != nil {
				return "", err
			}
		}
		in.remote = on
		if lock {
			in.locked = on
		}
		return "", nil
	}
}

func local(in *Instrument, _ call) (string, error) {
	in.remote = false
	in.locked = false
	return "", nil
}

func scpiRules() []rule {
	const (
		volt = "[SOURce#]:VOLTage"
		curr = "[SOURce#]:CURRent"
		lvl  = "[:LEVel][:IMMediate][:AMPLitude]"
	)
	return []rule{
		{match: tree("SYSTem:ERRor[:NEXT]"), query: true, common: true, run: func(in *Instrument, _ call) (string, error) {
			if e := in.pop(); e != nil {
				return e.Error(), nil
			}
			return `0,"No error"`, nil
		}},
		{match: tree("INSTrument:NSELect"), run: func(in *Instrument, c call) (string, error) {
			n, err := number(c.args, 0)
			if err != nil {
				return "", err
			}
			if _, err := in.channel(int(n)); err != nil || n != math.Trunc(n) {
				return "", errDataOutOfRange
			}
			in.selected = int(n)
			return "", nil
		}},
		{match: tree("INSTrument:NSELect"), query: true, run: func(in *Instrument, _ call) (string, error) {
			return strconv.Itoa(in.selected), nil
		}},

		{match: tree(volt + lvl), run: setLevel(voltage)},
		{match: tree(volt + lvl), query: true, run: getLevel(voltage, voltFmt)},
		{match: tree(curr + lvl), run: setLevel(current)},
		{match: tree(curr + lvl), query: true, run: getLevel(current, currFmt)},
		{match: tree("MEASure[:SCALar]:VOLTage[:DC]"), query: true, run: measure(true)},
		{match: tree("MEASure[:SCALar]:CURRent[:DC]"), query: true, run: measure(false)},
		{match: tree("OUTPut#[:STATe]"), run: setOutput},
		{match: tree("OUTPut#[:STATe]"), query: true, run: getOutput},

		{match: tree(volt + ":PROTection[:LEVel]"), run: setLevel(ovp)},
		{match: tree(volt + ":PROTection[:LEVel]"), query: true, run: getLevel(ovp, voltFmt)},
		{match: tree(volt + ":PROTection:STATe"), run: setFlag(ovpOn)},
		{match: tree(volt + ":PROTection:STATe"), query: true, run: getFlag(ovpOn, false)},
		{match: tree(volt + ":PROTection:TRIPped"), query: true, run: getFlag(ovpTripped, true)},
		{match: tree(volt + ":PROTection:CLEar"), run: clearTrip(ovpTripped)},
		{match: tree(curr + ":PROTection[:LEVel]"), run: setLevel(ocp)},
		{match: tree(curr + ":PROTection[:LEVel]"), query: true, run: getLevel(ocp, currFmt)},
		{match: tree(curr + ":PROTection:STATe"), run: setFlag(ocpOn)},
		{match: tree(curr + ":PROTection:STATe"), query: true, run: getFlag(ocpOn, false)},
		{match: tree(curr + ":PROTection:TRIPped"), query: true, run: getFlag(ocpTripped, true)},
		{match: tree(curr + ":PROTection:CLEar"), run: clearTrip(ocpTripped)},

		{match: tree("SYSTem:LOCal"), run: local},
		{match: tree("SYSTem:REMote"), run: remote(false)},
		{match: tree("SYSTem:RWLock"), run: remote(true)},
		{match: tree("SYSTem:BEEPer[:STATe]"), run: func(in *Instrument, c call) (string, error) {
			on, err := boolArg(c.args, 0)
			if err != nil {
				return "", err
			}
			in.beeper = on
			return "", nil
		}},
		{match: tree("SYSTem:BEEPer[:STATe]"), query: true, run: func(in *Instrument, _ call) (string, error) {
			return in.dialect.boolFmt(in.beeper), nil
		}},
	}
}

// dp800Rules cover the DP800 protection tree, which addresses channels
// with a CHn argument under OUTPut.
func dp800Rules() []rule {
	return []rule{
		{match: tree("OUTPut:OVP:VALue"), run: setLevel(ovp)},
		{match: tree("OUTPut:OVP:VALue"), query: true, run: getLevel(ovp, voltFmt)},
		{match: tree("OUTPut:OVP[:STATe]"), run: setFlag(ovpOn)},
		{match: tree("OUTPut:OVP[:STATe]"), query: true, run: getFlag(ovpOn, false)},
		{match: tree("OUTPut:OVP:QUES"), query: true, run: getFlag(ovpTripped, true)},
		{match: tree("OUTPut:OVP:CLEar"), run: clearTrip(ovpTripped)},
		{match: tree("OUTPut:OCP:VALue"), run: setLevel(ocp)},
		{match: tree("OUTPut:OCP:VALue"), query: true, run: getLevel(ocp, currFmt)},
		{match: tree("OUTPut:OCP[:STATe]"), run: setFlag(ocpOn)},
		{match: tree("OUTPut:OCP[:STATe]"), query: true, run: getFlag(ocpOn, false)},
		{match: tree("OUTPut:OCP:QUES"), query: true, run: getFlag(ocpTripped, true)},
		{match: tree("OUTPut:OCP:CLEar"), run: clearTrip(ocpTripped)},
	}
}

// Limit status register bits reported by LSR<n>?.
const (
	lsrCV  = 1 << 0
	lsrCC  = 1 << 1
	lsrOVP = 1 << 2
	lsrOCP = 1 << 3
)

// aimttiRules implement the PL-P command set. Setpoint queries echo a
// label, measurements carry a unit.
func aimttiRules() []rule {
	labelled := func(label string, f field, format func(*dialect) string) runFunc {
		return func(in *Instrument, c call) (string, error) {
			ch, _, err := in.target(c)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s%d "+format(in.dialect), label, c.ch, *f(ch)), nil
		}
	}
	unit := func(volts bool) runFunc {
		m := measure(volts)
		return func(in *Instrument, c call) (string, error) {
			s, err := m(in, c)
			if err != nil {
				return "", err
			}
			if volts {
				return s + "V", nil
			}
			return s + "A", nil
		}
	}
	return []rule{
		{match: pattern(`EER`), query: true, common: true, run: func(in *Instrument, _ call) (string, error) {
			if e := in.pop(); e != nil {
				return strconv.Itoa(-e.code), nil
			}
			return "0", nil
		}},
		{match: pattern(`V(\d)`), run: setLevel(voltage)},
		{match: pattern(`V(\d)`), query: true, run: labelled("V", voltage, voltFmt)},
		{match: pattern(`I(\d)`), run: setLevel(current)},
		{match: pattern(`I(\d)`), query: true, run: labelled("I", current, currFmt)},
		{match: pattern(`V(\d)O`), query: true, run: unit(true)},
		{match: pattern(`I(\d)O`), query: true, run: unit(false)},
		{match: pattern(`OP(\d)`), run: setOutput},
		{match: pattern(`OP(\d)`), query: true, run: getOutput},
		{match: pattern(`OPALL`), run: func(in *Instrument, c call) (string, error) {
			on, err := boolArg(c.args, 0)
			if err != nil {
				return "", err
			}
			for i := range in.channels {
				if err := in.setOutput(&in.channels[i], on); err != nil {
					return "", err
				}
			}
			return "", nil
		}},
		{match: pattern(`OVP(\d)`), run: setLevel(ovp)},
		{match: pattern(`OVP(\d)`), query: true, run: labelled("VP", ovp, voltFmt)},
		{match: pattern(`OCP(\d)`), run: setLevel(ocp)},
		{match: pattern(`OCP(\d)`), query: true, run: labelled("CP", ocp, currFmt)},
		{match: pattern(`LSR(\d)`), query: true, run: func(in *Instrument, c call) (string, error) {
			ch, _, err := in.target(c)
			if err != nil {
				return "", err
			}
			lsr := 0
			if v, _ := in.measure(ch); ch.Output && v < ch.Voltage {
				lsr |= lsrCC
			} else if ch.Output {
				lsr |= lsrCV
			}
			if ch.OVPTripped {
				lsr |= lsrOVP
			}
			if ch.OCPTripped {
				lsr |= lsrOCP
			}
			return strconv.Itoa(lsr), nil
		}},
		{match: pattern(`TRIPRST`), run: func(in *Instrument, _ call) (string, error) {
			for i := range in.channels {
				in.channels[i].OVPTripped = false
				in.channels[i].OCPTripped = false
			}
			return "", nil
		}},
		{match: pattern(`LOCAL`), run: local},
		{match: pattern(`IFLOCK`), run: remote(true)},
		{match: pattern(`IFUNLOCK`), run: func(in *Instrument, _ call) (string, error) {
			in.locked = false
			return "", nil
		}},
		{match: pattern(`IFLOCK`), query: true, run: func(in *Instrument, _ call) (string, error) {
			return digit(in.locked), nil
		}},
	}
}
