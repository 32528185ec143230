package adapter

import (
	"context"
)

// IInstrument is the uniform contract for all instrument adapters.
//
// Channel-scoped operations accept CallOptions; OnChannel(n) targets channel
// n and makes it the active channel. Without it the active channel is used.
// Operations an instrument cannot perform return ErrNotSupported.
// An adapter serves one caller at a time.
type IInstrument interface {
	// Open acquires the transport session. It sends nothing that changes
	// instrument state.
	Open(ctx context.Context) error

	// Close releases the session. Safe after a failed Open and safe to
	// call twice.
	Close() error

	// Model returns the static model descriptor.
	Model() Model

	// Capabilities returns the channel count and per-channel limits.
	Capabilities() Capabilities

	// Channel returns the active channel (1-based).
	Channel() int

	// SetChannel changes the active channel. No I/O is performed; an
	// out-of-range channel fails with ErrInvalidParameter.
	SetChannel(ch int) error

	// Identify returns the *IDN? reply.
	Identify(ctx context.Context) (string, error)
	Reset(ctx context.Context) error
	ClearStatus(ctx context.Context) error

	// SetVoltage programs the voltage setpoint in volts.
	SetVoltage(ctx context.Context, v float64, opts ...CallOption) error
	// SetCurrent programs the current setpoint in amperes.
	SetCurrent(ctx context.Context, a float64, opts ...CallOption) error
	// QueryVoltage returns the programmed voltage setpoint.
	QueryVoltage(ctx context.Context, opts ...CallOption) (float64, error)
	// QueryCurrent returns the programmed current setpoint.
	QueryCurrent(ctx context.Context, opts ...CallOption) (float64, error)
	// MeasureVoltage returns a measured voltage.
	MeasureVoltage(ctx context.Context, opts ...CallOption) (float64, error)
	// MeasureCurrent returns a measured current.
	MeasureCurrent(ctx context.Context, opts ...CallOption) (float64, error)

	OutputOn(ctx context.Context, opts ...CallOption) error
	OutputOff(ctx context.Context, opts ...CallOption) error
	IsOutputOn(ctx context.Context, opts ...CallOption) (bool, error)
	OutputOnAll(ctx context.Context) error
	OutputOffAll(ctx context.Context) error

	// SetLocal returns the front panel to the operator.
	SetLocal(ctx context.Context) error
	// SetRemote puts the instrument under remote control.
	SetRemote(ctx context.Context) error
	// SetRemoteLock puts the instrument under remote control with the front
	// panel locked.
	SetRemoteLock(ctx context.Context) error

	SetVoltageProtection(ctx context.Context, v float64, opts ...CallOption) error
	QueryVoltageProtection(ctx context.Context, opts ...CallOption) (float64, error)
	VoltageProtectionOn(ctx context.Context, opts ...CallOption) error
	VoltageProtectionOff(ctx context.Context, opts ...CallOption) error
	IsVoltageProtectionTripped(ctx context.Context, opts ...CallOption) (bool, error)
	VoltageProtectionClear(ctx context.Context, opts ...CallOption) error

	SetCurrentProtection(ctx context.Context, a float64, opts ...CallOption) error
	QueryCurrentProtection(ctx context.Context, opts ...CallOption) (float64, error)
	CurrentProtectionOn(ctx context.Context, opts ...CallOption) error
	CurrentProtectionOff(ctx context.Context, opts ...CallOption) error
	IsCurrentProtectionTripped(ctx context.Context, opts ...CallOption) (bool, error)
	CurrentProtectionClear(ctx context.Context, opts ...CallOption) error

	BeeperOn(ctx context.Context) error
	BeeperOff(ctx context.Context) error
}

// Capabilities describes what a model can be asked to do.
type Capabilities struct {
	Kind     Kind            `json:"kind"`
	Channels []ChannelLimits `json:"channels"`
}

// CallOption adjusts a single channel-scoped call.
type CallOption func(*call)

type call struct {
	channel int
}

// OnChannel targets channel ch and makes it the active channel.
func OnChannel(ch int) CallOption {
	return func(c *call) { c.channel = ch }
}

// TargetChannel returns the channel opts select, or current when none does.
func TargetChannel(current int, opts []CallOption) int {
	c := call{channel: current}
	for _, opt := range opts {
		opt(&c)
	}
	return c.channel
}
