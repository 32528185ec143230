package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/benchlab/dcps/internal/adapter"
)

// demoSteps are the setpoints the supply demo walks through before
// restoring the original value.
var demoSteps = []float64{2.7, 2.3}

// runDemo exercises the instrument the way a bench script would. Outputs
// are switched off and the panel returned to local even when a step fails.
func runDemo(ctx context.Context, inst adapter.IInstrument, out io.Writer) (err error) {
	idn, err := inst.Identify(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, idn)

	switch inst.Capabilities().Kind {
	case adapter.KindVoltmeter, adapter.KindMultimeter:
		err = demoMeter(ctx, inst, out)
		return errors.Join(err, optional(inst.SetLocal(context.WithoutCancel(ctx))))
	}

	defer func() {
		cleanup := context.WithoutCancel(ctx)
		err = errors.Join(err,
			inst.OutputOff(cleanup),
			optional(inst.BeeperOn(cleanup)),
			optional(inst.SetLocal(cleanup)))
	}()

	if err := optional(inst.BeeperOff(ctx)); err != nil {
		return err
	}
	on, err := inst.IsOutputOn(ctx)
	if err != nil {
		return err
	}
	if !on {
		if err := inst.OutputOn(ctx); err != nil {
			return err
		}
	}

	if inst.Capabilities().Kind == adapter.KindCurrentSource {
		return demoCurrent(ctx, inst, out)
	}
	return demoVoltage(ctx, inst, out)
}

func demoVoltage(ctx context.Context, inst adapter.IInstrument, out io.Writer) error {
	v, err := inst.QueryVoltage(ctx)
	if err != nil {
		return err
	}
	a, err := inst.QueryCurrent(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Ch. %d Settings: %6.4f V  %6.4f A\n", inst.Channel(), v, a)

	if err := printReadings(ctx, inst, out); err != nil {
		return err
	}
	for _, step := range append(slices.Clone(demoSteps), v) {
		if err := inst.SetVoltage(ctx, step); err != nil {
			return err
		}
		if err := printReadings(ctx, inst, out); err != nil {
			return err
		}
	}
	return nil
}

// demoCurrent steps a current source, which has no voltage setpoint.
func demoCurrent(ctx context.Context, inst adapter.IInstrument, out io.Writer) error {
	a, err := inst.QueryCurrent(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Ch. %d Settings: %6.4g A\n", inst.Channel(), a)
	for _, step := range []float64{a / 2, a} {
		if err := inst.SetCurrent(ctx, step); err != nil {
			return err
		}
		got, err := inst.QueryCurrent(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%6.4g A\n", got)
	}
	return nil
}

func demoMeter(ctx context.Context, inst adapter.IInstrument, out io.Writer) error {
	for ch := 1; ch <= inst.Model().MaxChannel(); ch++ {
		v, err := inst.MeasureVoltage(ctx, adapter.OnChannel(ch))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Ch. %d: %g V\n", ch, v)
	}
	return nil
}

func printReadings(ctx context.Context, inst adapter.IInstrument, out io.Writer) error {
	v, err := inst.MeasureVoltage(ctx)
	if err != nil {
		return err
	}
	a, err := inst.MeasureCurrent(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%6.4f V\n%6.4f A\n", v, a)
	return nil
}

// optional drops ErrNotSupported from steps not every model has.
func optional(err error) error {
	if errors.Is(err, adapter.ErrNotSupported) {
		return nil
	}
	return err
}
