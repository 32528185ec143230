// Package it6500c drives ITECH IT6500C/D two-quadrant supplies, which can
// also sink current as an electronic load.
package it6500c

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/transport"
)

// RawPort is the IT6500C raw SCPI socket.
const RawPort = 30000

// Quantity names a slewed quantity for rise and fall times.
type Quantity string

const (
	Voltage Quantity = "VOLTage"
	Current Quantity = "CURRent"
	Power   Quantity = "POWer"
)

// Loop names a regulation loop for priority settings.
type Loop string

const (
	CV Loop = "CV"
	CC Loop = "CC"
)

func Model() adapter.Model {
	return adapter.Model{
		Name:   "IT6500C",
		Vendor: "ITECH",
		Kind:   adapter.KindPowerSupply,
		// IT6512C.
		Channels: []adapter.ChannelLimits{
			{MaxVoltage: 80, MaxCurrent: 60, MaxOVP: 88, MaxOCP: 66},
		},
		Commands: adapter.StandardCommands.With(adapter.Commands{
			adapter.OpVoltageProtectionTripped: "PROTection:TRIGgered?",
			adapter.OpVoltageProtectionClear:   "PROTection:CLEar",
		}).Without(
			adapter.OpSelect,
			adapter.OpCurrentProtectionTripped,
			adapter.OpCurrentProtectionClear,
		),
		VoltageFormat: "%.4f",
		CurrentFormat: "%.4f",
		Settle:        time.Second,
		Link: transport.Settings{
			ReadTermination:  "\n",
			WriteTermination: "\n",
			RawPort:          RawPort,
		},
		EnvVar:          "IT6500C_VISA",
		DefaultResource: "TCPIP0::192.168.1.30::30000::SOCKET",
	}
}

// IT6500C is an ITECH IT6500C/D supply.
type IT6500C struct {
	*adapter.Base
}

func New(sess transport.Session, opts ...adapter.Option) *IT6500C {
	return &IT6500C{Base: adapter.NewBase(Model(), sess, opts...)}
}

// SetInternalResistance sets the simulated source resistance in ohms.
func (it *IT6500C) SetInternalResistance(ctx context.Context, ohms float64) error {
	if ohms < 0 {
		return fmt.Errorf("%w: resistance %g is negative", adapter.ErrInvalidParameter, ohms)
	}
	return it.set(ctx, "RES "+strconv.FormatFloat(ohms, 'g', -1, 64))
}

func (it *IT6500C) QueryInternalResistance(ctx context.Context) (float64, error) {
	return it.askFloat(ctx, "RES?")
}

// SetPriority sets the response priority of a regulation loop, high for a
// faster loop.
func (it *IT6500C) SetPriority(ctx context.Context, loop Loop, high bool) error {
	if loop != CV && loop != CC {
		return fmt.Errorf("%w: loop %q", adapter.ErrInvalidParameter, loop)
	}
	level := "LOW"
	if high {
		level = "HIGH"
	}
	return it.set(ctx, fmt.Sprintf("%s:PRIority %s", loop, level))
}

// QueryPriority reports whether loop has high priority.
func (it *IT6500C) QueryPriority(ctx context.Context, loop Loop) (bool, error) {
	if loop != CV && loop != CC {
		return false, fmt.Errorf("%w: loop %q", adapter.ErrInvalidParameter, loop)
	}
	reply, err := it.Query(ctx, string(loop)+":PRIority?")
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(reply) {
	case "HIGH":
		return true, nil
	case "LOW":
		return false, nil
	}
	return false, adapter.ProtocolError("", string(loop)+":PRIority?", reply, fmt.Errorf("unknown priority"))
}

// SetRiseTime sets the rise time of q in seconds.
func (it *IT6500C) SetRiseTime(ctx context.Context, q Quantity, seconds float64) error {
	return it.setSlew(ctx, q, "RISE", seconds)
}

// SetFallTime sets the fall time of q in seconds.
func (it *IT6500C) SetFallTime(ctx context.Context, q Quantity, seconds float64) error {
	return it.setSlew(ctx, q, "FALL", seconds)
}

func (it *IT6500C) QueryRiseTime(ctx context.Context, q Quantity) (float64, error) {
	return it.querySlew(ctx, q, "RISE")
}

func (it *IT6500C) QueryFallTime(ctx context.Context, q Quantity) (float64, error) {
	return it.querySlew(ctx, q, "FALL")
}

func (it *IT6500C) setSlew(ctx context.Context, q Quantity, edge string, seconds float64) error {
	if err := checkQuantity(q); err != nil {
		return err
	}
	if seconds < 0 {
		return fmt.Errorf("%w: %s time %g is negative", adapter.ErrInvalidParameter, strings.ToLower(edge), seconds)
	}
	return it.set(ctx, fmt.Sprintf("%s:%s %s", q, edge, strconv.FormatFloat(seconds, 'g', -1, 64)))
}

func (it *IT6500C) querySlew(ctx context.Context, q Quantity, edge string) (float64, error) {
	if err := checkQuantity(q); err != nil {
		return 0, err
	}
	return it.askFloat(ctx, fmt.Sprintf("%s:%s?", q, edge))
}

func checkQuantity(q Quantity) error {
	switch q {
	case Voltage, Current, Power:
		return nil
	}
	return fmt.Errorf("%w: quantity %q", adapter.ErrInvalidParameter, q)
}

// InputOn enables the sink (load) input.
func (it *IT6500C) InputOn(ctx context.Context) error { return it.set(ctx, "LOAD ON") }

// InputOff disables the sink input.
func (it *IT6500C) InputOff(ctx context.Context) error { return it.set(ctx, "LOAD OFF") }

func (it *IT6500C) IsInputOn(ctx context.Context) (bool, error) {
	reply, err := it.Query(ctx, "LOAD:STATe?")
	if err != nil {
		return false, err
	}
	on, err := adapter.ParseBool(reply)
	if err != nil {
		return false, adapter.ProtocolError("", "LOAD:STATe?", reply, err)
	}
	return on, nil
}

// SetDCRCapacity sets the battery capacity in amp hours for the DCR
// (battery internal resistance) test.
func (it *IT6500C) SetDCRCapacity(ctx context.Context, ampHours float64) error {
	if ampHours <= 0 {
		return fmt.Errorf("%w: capacity %g", adapter.ErrInvalidParameter, ampHours)
	}
	return it.set(ctx, "DCR:BATTery:CAPACity "+strconv.FormatFloat(ampHours, 'g', -1, 64))
}

func (it *IT6500C) QueryDCRCapacity(ctx context.Context) (float64, error) {
	return it.askFloat(ctx, "DCR:BATTery:CAPACity?")
}

// DCROn starts the DCR test.
func (it *IT6500C) DCROn(ctx context.Context) error { return it.set(ctx, "DCR ON") }

// DCROff stops the DCR test.
func (it *IT6500C) DCROff(ctx context.Context) error { return it.set(ctx, "DCR OFF") }

// MeasureDCR returns the measured battery internal resistance in ohms.
func (it *IT6500C) MeasureDCR(ctx context.Context) (float64, error) {
	return it.askFloat(ctx, "DCR:DATA?")
}

func (it *IT6500C) set(ctx context.Context, cmd string) error {
	if err := it.Write(ctx, cmd); err != nil {
		return err
	}
	return it.Settle(ctx)
}

func (it *IT6500C) askFloat(ctx context.Context, cmd string) (float64, error) {
	reply, err := it.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := adapter.ParseFloat(reply)
	if err != nil {
		return 0, adapter.ProtocolError("", cmd, reply, err)
	}
	return v, nil
}

var _ adapter.IInstrument = (*IT6500C)(nil)
