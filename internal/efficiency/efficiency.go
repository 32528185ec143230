package efficiency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/adapter/keithley6500"
	"github.com/benchlab/dcps/internal/adapter/rigoldl3000"
)

// Params describe one sweep.
type Params struct {
	// Name labels the converter under test. It ends up in the file name.
	Name string

	// Supply setpoints. A zero OVP or OCP leaves that protection alone.
	Voltage float64
	Current float64
	OVP     float64
	OCP     float64

	// Range is the fixed DC voltage range of the meter, normally the
	// converter's highest output voltage.
	Range float64
	// NPLC is the meter's integration time in power line cycles.
	NPLC float64

	// Loads are the load currents, in order.
	Loads []float64
	// LoadWait is how long each load step settles before measuring.
	LoadWait time.Duration
	// Settle is how long the supply settles after switching on.
	Settle time.Duration

	// SubtractStart removes the supply current drawn before the first
	// step from every input current reading.
	SubtractStart bool
}

// DefaultParams returns the 1.8 V converter sweep: 12 V in, 0 to 3 A out
// in 100 mA steps.
func DefaultParams() Params {
	return Params{
		Name:          "1V8-A",
		Voltage:       12,
		Current:       5,
		OVP:           16,
		OCP:           7.5,
		Range:         2,
		NPLC:          10,
		Loads:         Steps(0, 3, 0.1),
		LoadWait:      3 * time.Second,
		Settle:        2 * time.Second,
		SubtractStart: true,
	}
}

// Steps returns start, start+step, ... up to and including end.
func Steps(start, end, step float64) []float64 {
	if step <= 0 || end < start {
		return []float64{start}
	}
	n := int(math.Floor((end-start)/step + 1e-9))
	out := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, math.Round((start+float64(i)*step)*1e6)/1e6)
	}
	return out
}

// Point is one row of the result.
type Point struct {
	Load       float64
	VIn        float64
	IIn        float64
	VOut       float64
	IOut       float64
	Efficiency float64
}

// dcvMeter is a meter with a configurable DC voltage function.
type dcvMeter interface {
	SetMeasureFunction(ctx context.Context, fn keithley6500.Function, opts ...adapter.CallOption) error
	SetMeasureRange(ctx context.Context, fn keithley6500.Function, upper float64, opts ...adapter.CallOption) error
	SetIntegrationTime(ctx context.Context, fn keithley6500.Function, nplc float64, opts ...adapter.CallOption) error
	AutoZeroOnce(ctx context.Context, opts ...adapter.CallOption) error
}

// modalLoad is an electronic load with selectable regulation modes.
type modalLoad interface {
	SetFunction(ctx context.Context, mode string) error
}

var (
	_ dcvMeter  = (*keithley6500.DMM6500)(nil)
	_ modalLoad = (*rigoldl3000.DL3000)(nil)
)

// Sweep measures the efficiency of a DC converter. Supply feeds the
// converter, Meter reads its output voltage and Load sinks its output
// current. All three must be open.
type Sweep struct {
	Supply adapter.IInstrument
	Meter  adapter.IInstrument
	Load   adapter.IInstrument

	Logger *slog.Logger
	// Out receives a progress line per step. Nil discards them.
	Out io.Writer
}

// Run walks the load steps and returns a point per step. The load, meter
// and supply are returned to a safe state even when a step fails.
func (s *Sweep) Run(ctx context.Context, p Params) (points []Point, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := s.Out
	if out == nil {
		out = io.Discard
	}
	if len(p.Loads) == 0 {
		return nil, errors.New("no load steps")
	}
	logger.Info("efficiency sweep", "name", p.Name, "steps", len(p.Loads))

	if err := s.Supply.OutputOff(ctx); err != nil {
		return nil, err
	}
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		err = errors.Join(err,
			stop(cleanup, s.Load),
			stop(cleanup, s.Meter),
			s.Supply.OutputOff(cleanup),
			optional(s.Supply.SetLocal(cleanup)))
	}()

	for _, inst := range []adapter.IInstrument{s.Meter, s.Load} {
		if err := prepare(ctx, inst); err != nil {
			return nil, err
		}
	}
	if err := s.setupMeter(ctx, p); err != nil {
		return nil, err
	}
	if err := s.Load.OutputOff(ctx); err != nil {
		return nil, err
	}
	if l, ok := s.Load.(modalLoad); ok {
		if err := l.SetFunction(ctx, rigoldl3000.ModeCurrent); err != nil {
			return nil, err
		}
	}

	if err := s.powerOn(ctx, p); err != nil {
		return nil, err
	}
	if err := wait(ctx, p.Settle); err != nil {
		return nil, err
	}
	startV, startI, err := supplyValues(ctx, s.Supply)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, " Supply start values:  %6.4f V  %6.4f A\n", startV, startI)

	for _, load := range p.Loads {
		if err := s.applyLoad(ctx, load, p.LoadWait); err != nil {
			return points, err
		}
		pt, err := s.measure(ctx, load)
		if err != nil {
			return points, err
		}
		if p.SubtractStart {
			pt.IIn -= startI
		}
		pt.Efficiency = ratio(pt.VOut*pt.IOut, pt.VIn*pt.IIn)
		points = append(points, pt)

		fmt.Fprintf(out, "   Load: %.3fA  Power: %.3f/%.3f W  Eff: %d %%\n",
			load, pt.VOut*pt.IOut, pt.VIn*pt.IIn, int(math.Round(pt.Efficiency)))
		logger.Debug("efficiency step", "load", load, "vin", pt.VIn, "iin", pt.IIn,
			"vout", pt.VOut, "iout", pt.IOut, "efficiency", pt.Efficiency)
	}
	return points, nil
}

func (s *Sweep) setupMeter(ctx context.Context, p Params) error {
	m, ok := s.Meter.(dcvMeter)
	if !ok {
		return nil
	}
	if err := m.SetMeasureFunction(ctx, keithley6500.VoltageDC); err != nil {
		return err
	}
	if err := m.AutoZeroOnce(ctx); err != nil {
		return err
	}
	if p.NPLC > 0 {
		if err := m.SetIntegrationTime(ctx, keithley6500.VoltageDC, p.NPLC); err != nil {
			return err
		}
	}
	if p.Range > 0 {
		return m.SetMeasureRange(ctx, keithley6500.VoltageDC, p.Range)
	}
	return nil
}

func (s *Sweep) powerOn(ctx context.Context, p Params) error {
	sup := s.Supply
	if err := optional(sup.SetRemote(ctx)); err != nil {
		return err
	}
	if err := sup.SetVoltage(ctx, p.Voltage); err != nil {
		return err
	}
	if err := sup.SetCurrent(ctx, p.Current); err != nil {
		return err
	}
	if p.OVP > 0 {
		if err := optional(sup.SetVoltageProtection(ctx, p.OVP)); err != nil {
			return err
		}
		if err := optional(sup.VoltageProtectionOn(ctx)); err != nil {
			return err
		}
	}
	if p.OCP > 0 {
		if err := optional(sup.SetCurrentProtection(ctx, p.OCP)); err != nil {
			return err
		}
		if err := optional(sup.CurrentProtectionOn(ctx)); err != nil {
			return err
		}
	}
	return sup.OutputOn(ctx)
}

// applyLoad sets the next load current. The setpoint goes in before the
// input is enabled and again after, since some loads come up at a stale
// setting.
func (s *Sweep) applyLoad(ctx context.Context, load float64, settle time.Duration) error {
	if load == 0 {
		if err := s.Load.OutputOff(ctx); err != nil {
			return err
		}
		return wait(ctx, settle)
	}
	on, err := s.Load.IsOutputOn(ctx)
	if err != nil {
		return err
	}
	if !on {
		if err := s.Load.SetCurrent(ctx, load); err != nil {
			return err
		}
		if err := s.Load.OutputOn(ctx); err != nil {
			return err
		}
	}
	if err := s.Load.SetCurrent(ctx, load); err != nil {
		return err
	}
	return wait(ctx, settle)
}

func (s *Sweep) measure(ctx context.Context, load float64) (Point, error) {
	pt := Point{Load: load}
	var err error
	if pt.VIn, pt.IIn, err = supplyValues(ctx, s.Supply); err != nil {
		return pt, err
	}
	if pt.VOut, err = s.Meter.MeasureVoltage(ctx); err != nil {
		return pt, err
	}
	if pt.IOut, err = s.Load.MeasureCurrent(ctx); err != nil {
		return pt, err
	}
	return pt, nil
}

func supplyValues(ctx context.Context, inst adapter.IInstrument) (float64, float64, error) {
	v, err := inst.MeasureVoltage(ctx)
	if err != nil {
		return 0, 0, err
	}
	a, err := inst.MeasureCurrent(ctx)
	if err != nil {
		return 0, 0, err
	}
	return v, a, nil
}

// ratio returns out/in as a percentage, or 0 when nothing flows in.
func ratio(out, in float64) float64 {
	if in <= 0 {
		return 0
	}
	return out / in * 100
}

// prepare resets inst and takes the panel away from the operator.
func prepare(ctx context.Context, inst adapter.IInstrument) error {
	if err := inst.Reset(ctx); err != nil {
		return err
	}
	if err := inst.ClearStatus(ctx); err != nil {
		return err
	}
	if err := optional(inst.SetRemoteLock(ctx)); err != nil {
		return err
	}
	return optional(inst.BeeperOff(ctx))
}

// stop switches off inst's input and hands the panel back.
func stop(ctx context.Context, inst adapter.IInstrument) error {
	return errors.Join(
		optional(inst.OutputOff(ctx)),
		optional(inst.BeeperOn(ctx)),
		optional(inst.SetLocal(ctx)))
}

func optional(err error) error {
	if errors.Is(err, adapter.ErrNotSupported) {
		return nil
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
