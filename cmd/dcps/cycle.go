package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
)

const (
	defaultOffTime = 1500 * time.Millisecond
	randomOffMax   = 10 * time.Second
	// onSettle is how long the cycle waits after switching back on.
	onSettle = time.Second
)

type cycleOptions struct {
	offTime time.Duration
	random  bool
	onOnly  bool
	offOnly bool
}

func parseCycle(args []string, stderr io.Writer) (cycleOptions, error) {
	var o cycleOptions
	fs := flag.NewFlagSet("cycle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.DurationVar(&o.offTime, "off-time", defaultOffTime, "How long the output stays off")
	fs.BoolVar(&o.random, "random", false, "Stay off for a random time up to 10s")
	fs.BoolVar(&o.onOnly, "on", false, "Only turn the output on")
	fs.BoolVar(&o.offOnly, "off", false, "Only turn the output off")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.onOnly && o.offOnly {
		return o, errors.New("-on and -off are mutually exclusive")
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments %v", fs.Args())
	}
	if o.random {
		o.offTime = defaultOffTime + rand.N(randomOffMax-defaultOffTime)
	}
	return o, nil
}

// runCycle power cycles the active channel, printing a dot per second
// spent off. The panel returns to local afterwards.
func runCycle(ctx context.Context, inst adapter.IInstrument, args []string, out, stderr io.Writer) error {
	o, err := parseCycle(args, stderr)
	if err != nil {
		return err
	}
	return cycle(ctx, inst, o, out)
}

func cycle(ctx context.Context, inst adapter.IInstrument, o cycleOptions, out io.Writer) (err error) {
	defer func() {
		err = errors.Join(err, optional(inst.SetLocal(context.WithoutCancel(ctx))))
	}()

	ch := inst.Channel()
	on, err := inst.IsOutputOn(ctx)
	if err != nil {
		return err
	}
	v, err := inst.MeasureVoltage(ctx)
	if err != nil {
		return err
	}
	a, err := inst.MeasureCurrent(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Channel %d is %s: %6.4f V %6.4f A\n", ch, onOff(on), v, a)

	switch {
	case o.onOnly:
		fmt.Fprintf(out, "Turning on channel %d\n", ch)
		return inst.OutputOn(ctx)
	case o.offOnly:
		fmt.Fprintf(out, "Turning off channel %d\n", ch)
		return inst.OutputOff(ctx)
	}

	fmt.Fprintf(out, "Power cycling with off time=%.2fs ", o.offTime.Seconds())
	defer fmt.Fprintln(out)
	if err := inst.OutputOff(ctx); err != nil {
		return err
	}
	if err := dotSleep(ctx, o.offTime, out); err != nil {
		return err
	}
	if err := inst.OutputOn(ctx); err != nil {
		return err
	}
	fmt.Fprint(out, "P")
	return dotSleep(ctx, onSettle, out)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// dotSleep waits d, printing a dot for each full second.
func dotSleep(ctx context.Context, d time.Duration, out io.Writer) error {
	for d > 0 {
		step := min(d, time.Second)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if step == time.Second {
			fmt.Fprint(out, ".")
		}
		d -= step
	}
	return nil
}
