package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/catalog"
	"github.com/benchlab/dcps/internal/config"
	"github.com/benchlab/dcps/internal/efficiency"
)

type efficiencyOptions struct {
	params   efficiency.Params
	meter    string
	meterRes string
	load     string
	loadRes  string
	dir      string
}

func parseEfficiency(args []string, stderr io.Writer) (efficiencyOptions, error) {
	o := efficiencyOptions{params: efficiency.DefaultParams()}
	p := &o.params
	var start, stop, step float64

	fs := flag.NewFlagSet("efficiency", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.meter, "meter", "dmm6500", "Catalog model of the output voltmeter")
	fs.StringVar(&o.meterRes, "meter-resource", "", "Meter resource (default from the model)")
	fs.StringVar(&o.load, "load", "dl3000", "Catalog model of the electronic load")
	fs.StringVar(&o.loadRes, "load-resource", "", "Load resource (default from the model)")
	fs.StringVar(&p.Name, "name", p.Name, "Converter name used in the file name")
	fs.Float64Var(&p.Voltage, "volts", p.Voltage, "Supply voltage")
	fs.Float64Var(&p.Current, "amps", p.Current, "Supply current limit")
	fs.Float64Var(&p.OVP, "ovp", p.OVP, "Supply over-voltage protection, 0 to leave alone")
	fs.Float64Var(&p.OCP, "ocp", p.OCP, "Supply over-current protection, 0 to leave alone")
	fs.Float64Var(&p.Range, "range", p.Range, "Meter DC voltage range")
	fs.Float64Var(&p.NPLC, "nplc", p.NPLC, "Meter integration time in power line cycles")
	fs.Float64Var(&start, "start", 0, "First load current")
	fs.Float64Var(&stop, "stop", 3, "Last load current")
	fs.Float64Var(&step, "step", 0.1, "Load current step")
	fs.DurationVar(&p.LoadWait, "load-wait", p.LoadWait, "Settling time after each load step")
	fs.DurationVar(&p.Settle, "settle", p.Settle, "Settling time after the supply turns on")
	fs.BoolVar(&p.SubtractStart, "subtract-start", p.SubtractStart, "Subtract the supply current drawn before the sweep")
	fs.StringVar(&o.dir, "dir", "", "Output directory (default ~/Downloads)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments %v", fs.Args())
	}
	if step <= 0 {
		return o, errors.New("-step must be positive")
	}
	if start < 0 || stop < start {
		return o, fmt.Errorf("bad load range %g..%g", start, stop)
	}
	p.Loads = efficiency.Steps(start, stop, step)
	return o, nil
}

// runEfficiency sweeps the converter fed by supply and saves the points
// as CSV. The meter and load come from the catalog and share the
// configured timeout and settling.
func runEfficiency(ctx context.Context, cfg *config.Config, logger *slog.Logger, supply adapter.IInstrument,
	args []string, out, stderr io.Writer) (err error) {
	o, err := parseEfficiency(args, stderr)
	if err != nil {
		return err
	}

	meter, err := openAux(ctx, cfg, logger, o.meter, o.meterRes)
	if err != nil {
		return fmt.Errorf("meter: %w", err)
	}
	defer func() { err = errors.Join(err, meter.Close()) }()
	load, err := openAux(ctx, cfg, logger, o.load, o.loadRes)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	defer func() { err = errors.Join(err, load.Close()) }()

	fmt.Fprintf(out, "Testing DC efficiency for '%s'\n", o.params.Name)
	sweep := &efficiency.Sweep{Supply: supply, Meter: meter, Load: load, Logger: logger, Out: out}
	points, err := sweep.Run(ctx, o.params)
	if err != nil {
		return err
	}

	name, err := efficiency.Save(o.dir, o.params, points, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Data Output %d points to file %s\n", len(points), name)
	return nil
}

func openAux(ctx context.Context, cfg *config.Config, logger *slog.Logger, model, resource string) (adapter.IInstrument, error) {
	opts := catalogOptions(cfg.Instrument, logger)
	opts.Resource = resource
	inst, err := catalog.Open(model, opts)
	if err != nil {
		return nil, err
	}
	if err := inst.Open(ctx); err != nil {
		return nil, errors.Join(err, inst.Close())
	}
	return inst, nil
}
