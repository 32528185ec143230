// Package adaptertest provides vendor-agnostic conformance testing for
// instrument adapters.
//
// Every model package runs RunConformance against its adapter wired to a
// fake transport session. The suite derives the expected SCPI traffic from
// the model's own descriptor, so it checks that the adapter and its command
// table agree and that the facade contract holds for every model.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
	"github.com/benchlab/dcps/internal/transport/fake"
)

// Harness describes the adapter under test.
type Harness struct {
	// Model is the descriptor the adapter was built from.
	Model adapter.Model

	// New wraps sess in the adapter under test. Tests should pass a zero
	// settle time.
	New func(sess transport.Session) adapter.IInstrument

	// Resource names the fake session; the model default is used if empty.
	Resource string

	// Decorate shapes mirrored query replies. Optional.
	Decorate Decorator

	// Ignore lists commands the adapter may interleave with the expected
	// traffic, such as completion polls. *OPC and *OPC? are always ignored.
	Ignore []string
}

// ConformanceResult represents the result of one conformance check.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]interface{}
}

// ConformanceReport collects the results for one adapter.
type ConformanceReport struct {
	AdapterName   string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

// RunConformance runs the complete conformance suite for an adapter.
func RunConformance(t *testing.T, h Harness) {
	t.Helper()
	startTime := time.Now()

	report := &ConformanceReport{
		AdapterName:   h.Model.Name,
		Results:       []ConformanceResult{},
		OverallPassed: true,
	}

	runOpenCloseTests(t, h, report)
	runIdentifyTests(t, h, report)
	runChannelTests(t, h, report)
	runChannelRangeTests(t, h, report)
	runSetpointTests(t, h, report)
	runValueRangeTests(t, h, report)
	runReplyParsingTests(t, h, report)
	runOutputTests(t, h, report)
	runTimeoutTests(t, h, report)

	report.Duration = time.Since(startTime)
	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("adapter conformance failed for %s: %d/%d checks passed", h.Model.Name, report.PassedTests, report.TotalTests)
	}
}

// open builds a fresh adapter on an open fake session.
func (h Harness) open(t *testing.T) (adapter.IInstrument, *fake.Session) {
	t.Helper()
	res := h.Resource
	if res == "" {
		res = h.Model.DefaultResource
	}
	sess := fake.New(res)
	inst := h.New(sess)
	if err := inst.Open(context.Background()); err != nil {
		t.Fatalf("open %s: %v", h.Model.Name, err)
	}
	return inst, sess
}

// traffic returns the session writes without ignored commands.
func (h Harness) traffic(sess *fake.Session) []string {
	var out []string
	for _, w := range sess.Writes() {
		if w == "*OPC" || w == "*OPC?" || slices.Contains(h.Ignore, w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// runOpenCloseTests checks that opening and closing sends nothing.
func runOpenCloseTests(t *testing.T, h Harness, report *ConformanceReport) {
	result := newResult("OpenClose_NoTraffic")
	start := time.Now()

	inst, sess := h.open(t)
	errClose := inst.Close()
	errClose2 := inst.Close()
	result.Duration = time.Since(start)

	switch {
	case errClose != nil:
		result.fail("Close failed: %v", errClose)
	case errClose2 != nil:
		result.fail("second Close failed: %v", errClose2)
	case len(sess.Writes()) != 0:
		result.fail("Open/Close sent %q", sess.Writes())
	case sess.IsOpen():
		result.fail("session still open after Close")
	default:
		result.pass()
	}
	report.addResult(result)
}

// runIdentifyTests checks that the identification reply comes back whole,
// that the model's link can end a reply of unknown length, and that the
// reply is consumed so the next query reads its own answer.
func runIdentifyTests(t *testing.T, h Harness, report *ConformanceReport) {
	if !h.Model.Supports(adapter.OpIdentify) {
		return
	}
	ctx := context.Background()

	link := newResult("Identify_LinkEndsReply")
	if h.Model.Link.ReadTermination != "" || h.Model.Link.ReadIdle > 0 {
		link.pass()
	} else {
		link.fail("%s link has neither a read termination nor an idle gap; *IDN? cannot be read", h.Model.Name)
	}
	report.addResult(link)

	result := newResult("Identify_FullReplyAndDrained")
	inst, sess := h.open(t)
	defer inst.Close()
	sess.Handler = NewMirror(h.Model, h.Decorate).Handle

	start := time.Now()
	idn, err := inst.Identify(ctx)
	if err != nil {
		result.fail("Identify failed: %v", err)
		report.addResult(result)
		return
	}
	if idn != DefaultIDN {
		result.fail("Identify returned %q, want %q", idn, DefaultIDN)
		report.addResult(result)
		return
	}
	if err := followUp(ctx, h.Model, inst); err != nil {
		result.fail("query after Identify failed: %v", err)
	} else {
		result.pass()
	}
	result.Duration = time.Since(start)
	report.addResult(result)
}

// followUp runs one numeric round trip, preferring a setpoint the mirror
// echoes back.
func followUp(ctx context.Context, m adapter.Model, inst adapter.IInstrument) error {
	lim := m.Limits(1)
	switch {
	case m.Supports(adapter.OpSetVoltage) && m.Supports(adapter.OpQueryVoltage):
		if err := inst.SetVoltage(ctx, lim.MaxVoltage); err != nil {
			return err
		}
		got, err := inst.QueryVoltage(ctx)
		if err != nil {
			return err
		}
		if math.Abs(got-lim.MaxVoltage) > m.Tolerance(adapter.OpSetVoltage, lim.MaxVoltage) {
			return fmt.Errorf("read back %g for %g", got, lim.MaxVoltage)
		}
	case m.Supports(adapter.OpSetCurrent) && m.Supports(adapter.OpQueryCurrent):
		if err := inst.SetCurrent(ctx, lim.MaxCurrent); err != nil {
			return err
		}
		got, err := inst.QueryCurrent(ctx)
		if err != nil {
			return err
		}
		if math.Abs(got-lim.MaxCurrent) > m.Tolerance(adapter.OpSetCurrent, lim.MaxCurrent) {
			return fmt.Errorf("read back %g for %g", got, lim.MaxCurrent)
		}
	case m.Supports(adapter.OpMeasureVoltage):
		_, err := inst.MeasureVoltage(ctx)
		return err
	}
	return nil
}

// runChannelTests checks SetChannel/Channel for every declared channel.
func runChannelTests(t *testing.T, h Harness, report *ConformanceReport) {
	inst, sess := h.open(t)
	defer inst.Close()

	n := inst.Capabilities().Channels
	if len(n) != h.Model.MaxChannel() || len(n) == 0 {
		result := newResult("Channel_Capabilities")
		result.fail("capabilities report %d channels, model declares %d", len(n), h.Model.MaxChannel())
		report.addResult(result)
	}

	for ch := 1; ch <= h.Model.MaxChannel(); ch++ {
		result := newResult(fmt.Sprintf("Channel_RoundTrip_%d", ch))
		start := time.Now()
		err := inst.SetChannel(ch)
		result.Duration = time.Since(start)
		switch {
		case err != nil:
			result.fail("SetChannel(%d) failed: %v", ch, err)
		case inst.Channel() != ch:
			result.fail("Channel() = %d after SetChannel(%d)", inst.Channel(), ch)
		default:
			result.pass()
		}
		report.addResult(result)
	}

	for _, ch := range []int{0, -1, h.Model.MaxChannel() + 1} {
		result := newResult(fmt.Sprintf("Channel_Invalid_%d", ch))
		before := inst.Channel()
		err := inst.SetChannel(ch)
		switch {
		case !errors.Is(err, adapter.ErrInvalidParameter):
			result.fail("SetChannel(%d) should return INVALID_PARAMETER, got: %v", ch, err)
		case inst.Channel() != before:
			result.fail("active channel changed to %d", inst.Channel())
		default:
			result.pass()
		}
		report.addResult(result)
	}

	if len(sess.Writes()) != 0 {
		result := newResult("Channel_NoTraffic")
		result.fail("channel selection sent %q", sess.Writes())
		report.addResult(result)
	}
}

// runChannelRangeTests checks that every channel-scoped operation rejects
// an out-of-range channel before any I/O.
func runChannelRangeTests(t *testing.T, h Harness, report *ConformanceReport) {
	ctx := context.Background()
	bad := h.Model.MaxChannel() + 1
	calls := map[string]func(adapter.IInstrument, adapter.CallOption) error{
		"SetVoltage":     func(i adapter.IInstrument, o adapter.CallOption) error { return i.SetVoltage(ctx, 0, o) },
		"SetCurrent":     func(i adapter.IInstrument, o adapter.CallOption) error { return i.SetCurrent(ctx, 0, o) },
		"QueryVoltage":   func(i adapter.IInstrument, o adapter.CallOption) error { _, err := i.QueryVoltage(ctx, o); return err },
		"QueryCurrent":   func(i adapter.IInstrument, o adapter.CallOption) error { _, err := i.QueryCurrent(ctx, o); return err },
		"MeasureVoltage": func(i adapter.IInstrument, o adapter.CallOption) error { _, err := i.MeasureVoltage(ctx, o); return err },
		"MeasureCurrent": func(i adapter.IInstrument, o adapter.CallOption) error { _, err := i.MeasureCurrent(ctx, o); return err },
		"OutputOn":       func(i adapter.IInstrument, o adapter.CallOption) error { return i.OutputOn(ctx, o) },
		"OutputOff":      func(i adapter.IInstrument, o adapter.CallOption) error { return i.OutputOff(ctx, o) },
		"IsOutputOn":     func(i adapter.IInstrument, o adapter.CallOption) error { _, err := i.IsOutputOn(ctx, o); return err },
		"SetVoltageProtection": func(i adapter.IInstrument, o adapter.CallOption) error {
			return i.SetVoltageProtection(ctx, 0, o)
		},
		"SetCurrentProtection": func(i adapter.IInstrument, o adapter.CallOption) error {
			return i.SetCurrentProtection(ctx, 0, o)
		},
	}
	names := make([]string, 0, len(calls))
	for name := range calls {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		for _, ch := range []int{0, bad} {
			result := newResult(fmt.Sprintf("ChannelRange_%s_%d", name, ch))
			inst, sess := h.open(t)
			start := time.Now()
			err := calls[name](inst, adapter.OnChannel(ch))
			result.Duration = time.Since(start)
			switch {
			case !errors.Is(err, adapter.ErrInvalidParameter):
				result.fail("%s on channel %d should return INVALID_PARAMETER, got: %v", name, ch, err)
			case len(sess.Writes()) != 0:
				result.fail("%s on channel %d sent %q", name, ch, sess.Writes())
			default:
				result.pass()
			}
			inst.Close()
			report.addResult(result)
		}
	}
}

// runSetpointTests checks that setpoints read back within formatting
// precision on every channel.
func runSetpointTests(t *testing.T, h Harness, report *ConformanceReport) {
	ctx := context.Background()
	type quantity struct {
		name   string
		set    adapter.Op
		query  adapter.Op
		bounds func(adapter.ChannelLimits) (float64, float64)
		write  func(adapter.IInstrument, float64, adapter.CallOption) error
		read   func(adapter.IInstrument, adapter.CallOption) (float64, error)
	}
	quantities := []quantity{
		{
			name: "Voltage", set: adapter.OpSetVoltage, query: adapter.OpQueryVoltage,
			bounds: func(l adapter.ChannelLimits) (float64, float64) { return l.MinVoltage, l.MaxVoltage },
			write:  func(i adapter.IInstrument, v float64, o adapter.CallOption) error { return i.SetVoltage(ctx, v, o) },
			read:   func(i adapter.IInstrument, o adapter.CallOption) (float64, error) { return i.QueryVoltage(ctx, o) },
		},
		{
			name: "Current", set: adapter.OpSetCurrent, query: adapter.OpQueryCurrent,
			bounds: func(l adapter.ChannelLimits) (float64, float64) { return l.MinCurrent, l.MaxCurrent },
			write:  func(i adapter.IInstrument, v float64, o adapter.CallOption) error { return i.SetCurrent(ctx, v, o) },
			read:   func(i adapter.IInstrument, o adapter.CallOption) (float64, error) { return i.QueryCurrent(ctx, o) },
		},
	}

	for _, q := range quantities {
		if !h.Model.Supports(q.set) || !h.Model.Supports(q.query) {
			continue
		}
		inst, sess := h.open(t)
		mirror := NewMirror(h.Model, h.Decorate)
		sess.Handler = mirror.Handle

		for ch := 1; ch <= h.Model.MaxChannel(); ch++ {
			lo, hi := q.bounds(h.Model.Limits(ch))
			for _, v := range []float64{lo, (lo + hi) / 2, hi} {
				result := newResult(fmt.Sprintf("Setpoint_%s_ch%d_%g", q.name, ch, v))
				start := time.Now()
				err := q.write(inst, v, adapter.OnChannel(ch))
				var got float64
				if err == nil {
					got, err = q.read(inst, adapter.OnChannel(ch))
				}
				result.Duration = time.Since(start)
				tol := h.Model.Tolerance(q.set, v)
				switch {
				case err != nil:
					result.fail("Set/Query%s(%g) on channel %d failed: %v", q.name, v, ch, err)
				case math.Abs(got-v) > tol:
					result.fail("read back %g for %g on channel %d (tolerance %g)", got, v, ch, tol)
				case inst.Channel() != ch:
					result.fail("active channel is %d after OnChannel(%d)", inst.Channel(), ch)
				default:
					result.pass()
					result.Details["readBack"] = got
				}
				report.addResult(result)
			}
		}
		inst.Close()
	}
}

// runValueRangeTests checks that non-finite and out-of-range setpoints are
// rejected without I/O.
func runValueRangeTests(t *testing.T, h Harness, report *ConformanceReport) {
	ctx := context.Background()
	lim := h.Model.Limits(1)
	cases := []struct {
		name string
		op   adapter.Op
		call func(adapter.IInstrument) error
	}{
		{"Voltage_NaN", adapter.OpSetVoltage, func(i adapter.IInstrument) error { return i.SetVoltage(ctx, math.NaN()) }},
		{"Voltage_Inf", adapter.OpSetVoltage, func(i adapter.IInstrument) error { return i.SetVoltage(ctx, math.Inf(1)) }},
		{"Voltage_AboveMax", adapter.OpSetVoltage, func(i adapter.IInstrument) error { return i.SetVoltage(ctx, lim.MaxVoltage*1.01+0.01) }},
		{"Current_NaN", adapter.OpSetCurrent, func(i adapter.IInstrument) error { return i.SetCurrent(ctx, math.NaN()) }},
		{"Current_AboveMax", adapter.OpSetCurrent, func(i adapter.IInstrument) error { return i.SetCurrent(ctx, lim.MaxCurrent*1.01+0.01) }},
	}
	for _, c := range cases {
		if !h.Model.Supports(c.op) {
			continue
		}
		result := newResult("ValueRange_" + c.name)
		inst, sess := h.open(t)
		start := time.Now()
		err := c.call(inst)
		result.Duration = time.Since(start)
		switch {
		case !errors.Is(err, adapter.ErrInvalidParameter):
			result.fail("should return INVALID_PARAMETER, got: %v", err)
		case len(sess.Writes()) != 0:
			result.fail("rejected value sent %q", sess.Writes())
		default:
			result.pass()
		}
		inst.Close()
		report.addResult(result)
	}
}

// readings lists the numeric reads in order of preference for reply
// parsing checks.
var readings = []struct {
	op   adapter.Op
	name string
	call func(context.Context, adapter.IInstrument) (float64, error)
}{
	{adapter.OpQueryCurrent, "QueryCurrent", func(ctx context.Context, i adapter.IInstrument) (float64, error) { return i.QueryCurrent(ctx) }},
	{adapter.OpMeasureCurrent, "MeasureCurrent", func(ctx context.Context, i adapter.IInstrument) (float64, error) { return i.MeasureCurrent(ctx) }},
	{adapter.OpMeasureVoltage, "MeasureVoltage", func(ctx context.Context, i adapter.IInstrument) (float64, error) { return i.MeasureVoltage(ctx) }},
	{adapter.OpQueryVoltage, "QueryVoltage", func(ctx context.Context, i adapter.IInstrument) (float64, error) { return i.QueryVoltage(ctx) }},
}

// runReplyParsingTests checks that a non-numeric reply is a protocol error.
func runReplyParsingTests(t *testing.T, h Harness, report *ConformanceReport) {
	ctx := context.Background()
	for _, r := range readings {
		if !h.Model.Supports(r.op) {
			continue
		}
		result := newResult("ReplyParsing_" + r.name)
		inst, sess := h.open(t)
		sess.Handler = func(cmd string) (string, bool) {
			if cmd == "*OPC?" {
				return "1", true
			}
			if isQuery(cmd) {
				return "garbage!", true
			}
			return "", false
		}
		start := time.Now()
		_, err := r.call(ctx, inst)
		result.Duration = time.Since(start)
		if errors.Is(err, adapter.ErrProtocol) {
			result.pass()
		} else {
			result.fail("%s with non-numeric reply should return PROTOCOL_ERROR, got: %v", r.name, err)
		}
		inst.Close()
		report.addResult(result)
	}
}

// runOutputTests checks that OutputOn then OutputOff send exactly the
// model's commands, with one preceding select for select-style models.
func runOutputTests(t *testing.T, h Harness, report *ConformanceReport) {
	ctx := context.Background()
	m := h.Model
	ch := m.MaxChannel()

	result := newResult("Output_OnOff")
	inst, sess := h.open(t)
	sess.Handler = NewMirror(m, h.Decorate).Handle
	defer inst.Close()

	start := time.Now()
	errOn := inst.OutputOn(ctx, adapter.OnChannel(ch))
	errOff := inst.OutputOff(ctx)
	result.Duration = time.Since(start)

	if !m.Supports(adapter.OpOutputOn) || !m.Supports(adapter.OpOutputOff) {
		switch {
		case !errors.Is(errOn, adapter.ErrNotSupported) || !errors.Is(errOff, adapter.ErrNotSupported):
			result.fail("model has no output commands; want NOT_SUPPORTED, got %v / %v", errOn, errOff)
		case len(sess.Writes()) != 0:
			result.fail("unsupported output sent %q", sess.Writes())
		default:
			result.pass()
		}
		report.addResult(result)
		return
	}

	var want []string
	if m.RemoteBeforeWrite {
		want = append(want, m.Wire(adapter.OpRemote, 0, "")...)
	}
	for i, op := range []adapter.Op{adapter.OpOutputOn, adapter.OpOutputOff} {
		if m.SelectsChannel() && !m.EmbedsChannel(op) && (i == 0 || m.AlwaysSelect) {
			want = append(want, m.Wire(adapter.OpSelect, ch, "")...)
		}
		want = append(want, m.Wire(op, ch, "")...)
	}

	got := h.traffic(sess)
	switch {
	case errOn != nil || errOff != nil:
		result.fail("OutputOn/OutputOff failed: %v / %v", errOn, errOff)
	case !slices.Equal(got, want):
		result.fail("sent %q, want %q", got, want)
	default:
		result.pass()
		result.Details["commands"] = strings.Join(got, "; ")
	}
	report.addResult(result)
}

// runTimeoutTests checks that a silent instrument surfaces as a timeout and
// that a cancelled context is honoured.
func runTimeoutTests(t *testing.T, h Harness, report *ConformanceReport) {
	for _, r := range readings {
		if !h.Model.Supports(r.op) {
			continue
		}
		result := newResult("Timeout_Silent_" + r.name)
		inst, _ := h.open(t)
		start := time.Now()
		_, err := r.call(context.Background(), inst)
		result.Duration = time.Since(start)
		if errors.Is(err, adapter.ErrTimeout) {
			result.pass()
		} else {
			result.fail("%s with silent instrument should return TRANSPORT_TIMEOUT, got: %v", r.name, err)
		}
		inst.Close()
		report.addResult(result)

		result = newResult("Timeout_Cancelled_" + r.name)
		inst, _ = h.open(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start = time.Now()
		_, err = r.call(ctx, inst)
		result.Duration = time.Since(start)
		if err != nil {
			result.pass()
		} else {
			result.fail("%s with cancelled context should have failed", r.name)
		}
		inst.Close()
		report.addResult(result)
		return
	}
}

func newResult(name string) ConformanceResult {
	return ConformanceResult{TestName: name, Details: make(map[string]interface{})}
}

func (r *ConformanceResult) pass() { r.Passed = true }

func (r *ConformanceResult) fail(format string, args ...interface{}) {
	r.Passed = false
	r.Error = fmt.Sprintf(format, args...)
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
	r.Results = append(r.Results, result)
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Logf("\n%s", strings.Repeat("=", 80))
	t.Logf("ADAPTER CONFORMANCE REPORT")
	t.Logf("%s", strings.Repeat("=", 80))
	t.Logf("Adapter: %s", report.AdapterName)
	t.Logf("Total Tests: %d", report.TotalTests)
	t.Logf("Passed: %d", report.PassedTests)
	t.Logf("Failed: %d", report.FailedTests)
	t.Logf("Overall: %s", map[bool]string{true: "PASS", false: "FAIL"}[report.OverallPassed])
	t.Logf("Duration: %v", report.Duration)
	t.Logf("%s", strings.Repeat("-", 80))

	t.Logf("%-40s %-8s %-12s %-s", "TEST NAME", "RESULT", "DURATION", "DETAILS")
	t.Logf("%s", strings.Repeat("-", 80))

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}

		details := result.Error
		if details == "" && len(result.Details) > 0 {
			var parts []string
			for k, v := range result.Details {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			slices.Sort(parts)
			details = strings.Join(parts, ", ")
		}

		t.Logf("%-40s %-8s %-12s %-s", result.TestName, status, result.Duration.String(), details)
	}

	t.Logf("%s", strings.Repeat("=", 80))
}
