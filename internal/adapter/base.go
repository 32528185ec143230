package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/benchlab/dcps/internal/transport"
)

// opcPolls bounds how many *OPC? replies are awaited before giving up.
const (
	opcPolls    = 100
	opcInterval = 10 * time.Millisecond
)

// Option configures a Base at construction.
type Option func(*Base)

// WithSettle overrides the model's settle time after state-changing commands.
func WithSettle(d time.Duration) Option {
	return func(b *Base) { b.settle = d }
}

// WithErrorCheck queries the error queue after every write and turns a
// queued error into a ProtocolError or InvalidParameter error.
func WithErrorCheck(on bool) Option {
	return func(b *Base) { b.checkErrors = on }
}

// WithLogger sets the logger for command-level debug output.
func WithLogger(l *slog.Logger) Option {
	return func(b *Base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithChannel sets the initial active channel. Out-of-range values are
// ignored.
func WithChannel(ch int) Option {
	return func(b *Base) {
		if ch >= 1 && ch <= b.model.MaxChannel() {
			b.channel = ch
		}
	}
}

// Base implements IInstrument from a Model descriptor. Model packages embed
// it and override the operations their instrument handles differently.
type Base struct {
	model       Model
	sess        transport.Session
	logger      *slog.Logger
	settle      time.Duration
	checkErrors bool

	channel  int
	selected int // channel the instrument has selected, 0 if unknown
	remote   bool
	open     bool
}

// NewBase returns an adapter for model m on sess.
func NewBase(m Model, sess transport.Session, opts ...Option) *Base {
	b := &Base{
		model:   m,
		sess:    sess,
		logger:  slog.Default(),
		settle:  m.Settle,
		channel: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("model", m.Name, "resource", sess.Resource())
	return b
}

// Model returns the model descriptor.
func (b *Base) Model() Model { return b.model }

// Capabilities returns the model capabilities.
func (b *Base) Capabilities() Capabilities { return b.model.Capabilities() }

// Session returns the transport session.
func (b *Base) Session() transport.Session { return b.sess }

// Logger returns the adapter logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Open opens the session.
func (b *Base) Open(ctx context.Context) error {
	if err := b.sess.Open(ctx); err != nil {
		return b.ioError("", "", err)
	}
	b.open = true
	b.selected = 0
	b.remote = false
	b.logger.Debug("instrument opened")
	return nil
}

// Close closes the session.
func (b *Base) Close() error {
	b.open = false
	b.selected = 0
	b.remote = false
	if err := b.sess.Close(); err != nil {
		return b.ioError("", "", err)
	}
	return nil
}

// IsOpen reports whether Open succeeded and Close has not been called.
func (b *Base) IsOpen() bool { return b.open }

// Channel returns the active channel.
func (b *Base) Channel() int { return b.channel }

// SetChannel changes the active channel without I/O.
func (b *Base) SetChannel(ch int) error {
	if ch < 1 || ch > b.model.MaxChannel() {
		return invalidParam(OpSelect, "channel %d outside 1..%d", ch, b.model.MaxChannel())
	}
	b.channel = ch
	return nil
}

// Resolve applies call options and returns the validated target channel,
// which becomes the active channel only when the model supports op.
func (b *Base) Resolve(op Op, opts []CallOption) (int, error) {
	ch := TargetChannel(b.channel, opts)
	if ch < 1 || ch > b.model.MaxChannel() {
		return 0, invalidParam(op, "channel %d outside 1..%d", ch, b.model.MaxChannel())
	}
	if err := b.Require(op); err != nil {
		return 0, err
	}
	b.channel = ch
	return ch, nil
}

// Require returns ErrNotSupported when the command table lacks op.
func (b *Base) Require(op Op) error {
	if !b.model.Supports(op) {
		return notSupported(b.model.Name, op)
	}
	return nil
}

// Render expands op's template for channel ch and value v.
func (b *Base) Render(op Op, ch int, v string) ([]string, error) {
	tpl := b.model.Commands[op]
	if tpl == "" {
		return nil, notSupported(b.model.Name, op)
	}
	r := strings.NewReplacer("{ch}", strconv.Itoa(ch), "{v}", v)
	return strings.Split(r.Replace(tpl), "\n"), nil
}

// Exec sends the commands for op.
func (b *Base) Exec(ctx context.Context, op Op, ch int, v string) error {
	lines, err := b.Render(op, ch, v)
	if err != nil {
		return err
	}
	if err := b.prepare(ctx, op, ch, true); err != nil {
		return err
	}
	for _, line := range lines {
		if err := b.write(ctx, op, line); err != nil {
			return err
		}
	}
	return nil
}

// Ask sends the commands for op and returns the reply to the last one,
// normalized by the model.
func (b *Base) Ask(ctx context.Context, op Op, ch int) (string, error) {
	lines, err := b.Render(op, ch, "")
	if err != nil {
		return "", err
	}
	if err := b.prepare(ctx, op, ch, false); err != nil {
		return "", err
	}
	for _, line := range lines[:len(lines)-1] {
		if err := b.write(ctx, op, line); err != nil {
			return "", err
		}
	}
	reply, err := b.query(ctx, op, lines[len(lines)-1])
	if err != nil {
		return "", err
	}
	if b.model.NormalizeReply != nil {
		reply = b.model.NormalizeReply(op, reply)
	}
	return reply, nil
}

// AskFloat asks op and parses a number.
func (b *Base) AskFloat(ctx context.Context, op Op, ch int) (float64, error) {
	reply, err := b.Ask(ctx, op, ch)
	if err != nil {
		return 0, err
	}
	v, err := ParseFloat(reply)
	if err != nil {
		return 0, ProtocolError(op, b.model.Commands[op], reply, err)
	}
	return v, nil
}

// AskBool asks op and parses a boolean.
func (b *Base) AskBool(ctx context.Context, op Op, ch int) (bool, error) {
	reply, err := b.Ask(ctx, op, ch)
	if err != nil {
		return false, err
	}
	v, err := ParseBool(reply)
	if err != nil {
		return false, ProtocolError(op, b.model.Commands[op], reply, err)
	}
	return v, nil
}

// prepare enters remote mode and selects the channel when the model needs it.
func (b *Base) prepare(ctx context.Context, op Op, ch int, mutating bool) error {
	if mutating && b.model.RemoteBeforeWrite && !b.remote && op != OpRemote && op != OpLocal {
		if err := b.SetRemote(ctx); err != nil {
			return err
		}
	}
	if !IsChannelScoped(op) || !b.model.SelectsChannel() {
		return nil
	}
	if b.model.EmbedsChannel(op) {
		return nil
	}
	return b.SelectChannel(ctx, ch)
}

// SelectChannel sends the select command unless the instrument already has
// ch selected.
func (b *Base) SelectChannel(ctx context.Context, ch int) error {
	if !b.model.AlwaysSelect && b.selected == ch {
		return nil
	}
	lines, err := b.Render(OpSelect, ch, "")
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := b.write(ctx, OpSelect, line); err != nil {
			b.selected = 0
			return err
		}
	}
	b.selected = ch
	return nil
}

// Write sends one raw command, applying the prefix, completion wait and
// error-queue check.
func (b *Base) Write(ctx context.Context, cmd string) error {
	return b.write(ctx, "", cmd)
}

// Query sends one raw query and returns the trimmed reply.
func (b *Base) Query(ctx context.Context, cmd string) (string, error) {
	return b.query(ctx, "", cmd)
}

func (b *Base) write(ctx context.Context, op Op, cmd string) error {
	full := b.prefixed(cmd)
	b.logger.Debug("scpi write", "op", op, "cmd", full)
	if err := b.sess.Write(ctx, full); err != nil {
		return b.ioError(op, full, err)
	}
	if b.model.SyncWrites {
		if err := b.waitComplete(ctx, op); err != nil {
			return err
		}
	}
	if b.checkErrors {
		return b.checkErrorQueue(ctx, op, full)
	}
	return nil
}

func (b *Base) query(ctx context.Context, op Op, cmd string) (string, error) {
	full := b.prefixed(cmd)
	reply, err := b.sess.Query(ctx, full)
	if err != nil {
		return "", b.ioError(op, full, err)
	}
	reply = strings.TrimSpace(reply)
	b.logger.Debug("scpi query", "op", op, "cmd", full, "reply", reply)
	return reply, nil
}

// QueryBytes writes cmd and reads exactly n reply bytes, for instruments
// that answer with fixed-width unterminated replies.
func (b *Base) QueryBytes(ctx context.Context, op Op, cmd string, n int) ([]byte, error) {
	full := b.prefixed(cmd)
	if err := b.sess.Write(ctx, full); err != nil {
		return nil, b.ioError(op, full, err)
	}
	buf, err := b.sess.ReadBytes(ctx, n)
	if err != nil {
		return nil, b.ioError(op, full, err)
	}
	b.logger.Debug("scpi query", "op", op, "cmd", full, "reply", buf)
	return buf, nil
}

func (b *Base) prefixed(cmd string) string { return b.model.Prefixed(cmd) }

// waitComplete blocks until the instrument reports all pending operations
// complete.
func (b *Base) waitComplete(ctx context.Context, op Op) error {
	if err := b.sess.Write(ctx, "*OPC"); err != nil {
		return b.ioError(op, "*OPC", err)
	}
	for i := 0; i < opcPolls; i++ {
		reply, err := b.sess.Query(ctx, "*OPC?")
		if err != nil {
			return b.ioError(op, "*OPC?", err)
		}
		if strings.HasPrefix(strings.TrimSpace(reply), "1") {
			return nil
		}
		if err := sleep(ctx, opcInterval); err != nil {
			return err
		}
	}
	return &DeviceError{Code: ErrTimeout, Op: op, Command: "*OPC?", Original: errors.New("operation did not complete")}
}

func (b *Base) checkErrorQueue(ctx context.Context, op Op, cmd string) error {
	tpl := b.model.Commands[OpError]
	if tpl == "" {
		return nil
	}
	reply, err := b.query(ctx, OpError, tpl)
	if err != nil {
		return err
	}
	code, msg, err := ParseErrorQueue(reply)
	if err != nil {
		return ProtocolError(OpError, tpl, reply, err)
	}
	if err := NormalizeSCPIError(code, msg, cmd); err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			de.Op = op
		}
		b.logger.Warn("instrument error queue", "op", op, "cmd", cmd, "code", code, "msg", msg)
		return err
	}
	return nil
}

func (b *Base) ioError(op Op, cmd string, err error) error {
	switch {
	case errors.Is(err, ErrTimeout):
		return &DeviceError{Code: ErrTimeout, Op: op, Command: cmd, Original: err}
	case errors.Is(err, ErrTransport):
		return &DeviceError{Code: ErrTransport, Op: op, Command: cmd, Original: err}
	}
	if cmd == "" {
		return err
	}
	return fmt.Errorf("%s [%s]: %w", op, cmd, err)
}

// Settle waits the configured settle time.
func (b *Base) Settle(ctx context.Context) error {
	return sleep(ctx, b.settle)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// FormatVoltage formats v with the model's voltage format.
func (b *Base) FormatVoltage(v float64) string {
	return fmt.Sprintf(orDefault(b.model.VoltageFormat, "%.3f"), v)
}

// FormatCurrent formats a with the model's current format.
func (b *Base) FormatCurrent(a float64) string {
	return fmt.Sprintf(orDefault(b.model.CurrentFormat, "%.4f"), a)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// CheckVoltage validates a voltage setpoint for channel ch.
func (b *Base) CheckVoltage(op Op, ch int, v float64) error {
	lim := b.model.Limits(ch)
	return checkRange(op, "voltage", v, lim.MinVoltage, lim.MaxVoltage)
}

// CheckCurrent validates a current setpoint for channel ch.
func (b *Base) CheckCurrent(op Op, ch int, a float64) error {
	lim := b.model.Limits(ch)
	return checkRange(op, "current", a, lim.MinCurrent, lim.MaxCurrent)
}

// CheckVoltageProtection validates an over-voltage protection level.
func (b *Base) CheckVoltageProtection(op Op, ch int, v float64) error {
	lim := b.model.Limits(ch)
	hi := lim.MaxOVP
	if hi == 0 {
		hi = lim.MaxVoltage
	}
	return checkRange(op, "voltage protection", v, 0, hi)
}

// CheckCurrentProtection validates an over-current protection level.
func (b *Base) CheckCurrentProtection(op Op, ch int, a float64) error {
	lim := b.model.Limits(ch)
	hi := lim.MaxOCP
	if hi == 0 {
		hi = lim.MaxCurrent
	}
	return checkRange(op, "current protection", a, 0, hi)
}

func checkRange(op Op, what string, v, lo, hi float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalidParam(op, "%s %v is not a finite number", what, v)
	}
	if v < lo || v > hi {
		return invalidParam(op, "%s %g outside %g..%g", what, v, lo, hi)
	}
	return nil
}

// setpoint runs the common validate, send and settle sequence.
func (b *Base) setpoint(ctx context.Context, op Op, opts []CallOption, v float64,
	check func(Op, int, float64) error, format func(float64) string) error {
	ch, err := b.Resolve(op, opts)
	if err != nil {
		return err
	}
	if err := b.Require(op); err != nil {
		return err
	}
	if err := check(op, ch, v); err != nil {
		return err
	}
	if err := b.Exec(ctx, op, ch, format(v)); err != nil {
		return err
	}
	return b.Settle(ctx)
}

// action runs a channel-scoped command without a value.
func (b *Base) action(ctx context.Context, op Op, opts []CallOption, settle bool) error {
	ch, err := b.Resolve(op, opts)
	if err != nil {
		return err
	}
	if err := b.Exec(ctx, op, ch, ""); err != nil {
		return err
	}
	if settle {
		return b.Settle(ctx)
	}
	return nil
}

func (b *Base) askFloatOn(ctx context.Context, op Op, opts []CallOption) (float64, error) {
	ch, err := b.Resolve(op, opts)
	if err != nil {
		return 0, err
	}
	return b.AskFloat(ctx, op, ch)
}

func (b *Base) askBoolOn(ctx context.Context, op Op, opts []CallOption) (bool, error) {
	ch, err := b.Resolve(op, opts)
	if err != nil {
		return false, err
	}
	return b.AskBool(ctx, op, ch)
}

// Identify returns the *IDN? reply.
func (b *Base) Identify(ctx context.Context) (string, error) {
	return b.Ask(ctx, OpIdentify, 0)
}

// Reset sends *RST.
func (b *Base) Reset(ctx context.Context) error {
	b.selected = 0
	return b.Exec(ctx, OpReset, 0, "")
}

// ClearStatus sends *CLS.
func (b *Base) ClearStatus(ctx context.Context) error {
	return b.Exec(ctx, OpClearStatus, 0, "")
}

func (b *Base) SetVoltage(ctx context.Context, v float64, opts ...CallOption) error {
	return b.setpoint(ctx, OpSetVoltage, opts, v, b.CheckVoltage, b.FormatVoltage)
}

func (b *Base) SetCurrent(ctx context.Context, a float64, opts ...CallOption) error {
	return b.setpoint(ctx, OpSetCurrent, opts, a, b.CheckCurrent, b.FormatCurrent)
}

func (b *Base) QueryVoltage(ctx context.Context, opts ...CallOption) (float64, error) {
	return b.askFloatOn(ctx, OpQueryVoltage, opts)
}

func (b *Base) QueryCurrent(ctx context.Context, opts ...CallOption) (float64, error) {
	return b.askFloatOn(ctx, OpQueryCurrent, opts)
}

func (b *Base) MeasureVoltage(ctx context.Context, opts ...CallOption) (float64, error) {
	return b.askFloatOn(ctx, OpMeasureVoltage, opts)
}

func (b *Base) MeasureCurrent(ctx context.Context, opts ...CallOption) (float64, error) {
	return b.askFloatOn(ctx, OpMeasureCurrent, opts)
}

func (b *Base) OutputOn(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpOutputOn, opts, true)
}

func (b *Base) OutputOff(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpOutputOff, opts, true)
}

func (b *Base) IsOutputOn(ctx context.Context, opts ...CallOption) (bool, error) {
	return b.askBoolOn(ctx, OpOutputState, opts)
}

// OutputOnAll turns every channel on, with one command when the model has
// one.
func (b *Base) OutputOnAll(ctx context.Context) error {
	return b.allOutputs(ctx, OpOutputOnAll, OpOutputOn)
}

// OutputOffAll turns every channel off.
func (b *Base) OutputOffAll(ctx context.Context) error {
	return b.allOutputs(ctx, OpOutputOffAll, OpOutputOff)
}

func (b *Base) allOutputs(ctx context.Context, all, each Op) error {
	if b.model.Supports(all) {
		if err := b.Exec(ctx, all, 0, ""); err != nil {
			return err
		}
		return b.Settle(ctx)
	}
	if err := b.Require(each); err != nil {
		return err
	}
	for ch := 1; ch <= b.model.MaxChannel(); ch++ {
		if err := b.Exec(ctx, each, ch, ""); err != nil {
			return err
		}
	}
	return b.Settle(ctx)
}

// SetLocal returns the instrument to front-panel control. Models without a
// local command fall back to the bus-level go-to-local of a bridge session.
func (b *Base) SetLocal(ctx context.Context) error {
	b.selected = 0
	b.remote = false
	if b.model.Supports(OpLocal) {
		return b.Exec(ctx, OpLocal, 0, "")
	}
	if fp, ok := b.sess.(transport.FrontPanel); ok {
		if err := fp.Local(ctx); err != nil {
			return b.ioError(OpLocal, "GTL", err)
		}
		return nil
	}
	return notSupported(b.model.Name, OpLocal)
}

// SetRemote puts the instrument in remote mode.
func (b *Base) SetRemote(ctx context.Context) error {
	if b.model.Supports(OpRemote) {
		if err := b.Exec(ctx, OpRemote, 0, ""); err != nil {
			return err
		}
		b.remote = true
		return nil
	}
	if fp, ok := b.sess.(transport.FrontPanel); ok {
		if err := fp.Lockout(ctx); err != nil {
			return b.ioError(OpRemote, "LLO", err)
		}
		b.remote = true
		return nil
	}
	return notSupported(b.model.Name, OpRemote)
}

// SetRemoteLock puts the instrument in remote mode with the panel locked.
func (b *Base) SetRemoteLock(ctx context.Context) error {
	if b.model.Supports(OpRemoteLock) {
		if err := b.Exec(ctx, OpRemoteLock, 0, ""); err != nil {
			return err
		}
		b.remote = true
		return nil
	}
	if fp, ok := b.sess.(transport.FrontPanel); ok {
		if err := fp.Lockout(ctx); err != nil {
			return b.ioError(OpRemoteLock, "LLO", err)
		}
		b.remote = true
		return nil
	}
	return notSupported(b.model.Name, OpRemoteLock)
}

func (b *Base) SetVoltageProtection(ctx context.Context, v float64, opts ...CallOption) error {
	return b.setpoint(ctx, OpSetVoltageProtection, opts, v, b.CheckVoltageProtection, b.FormatVoltage)
}

func (b *Base) QueryVoltageProtection(ctx context.Context, opts ...CallOption) (float64, error) {
	return b.askFloatOn(ctx, OpQueryVoltageProtection, opts)
}

func (b *Base) VoltageProtectionOn(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpVoltageProtectionOn, opts, false)
}

func (b *Base) VoltageProtectionOff(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpVoltageProtectionOff, opts, false)
}

func (b *Base) IsVoltageProtectionTripped(ctx context.Context, opts ...CallOption) (bool, error) {
	return b.askBoolOn(ctx, OpVoltageProtectionTripped, opts)
}

func (b *Base) VoltageProtectionClear(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpVoltageProtectionClear, opts, false)
}

func (b *Base) SetCurrentProtection(ctx context.Context, a float64, opts ...CallOption) error {
	return b.setpoint(ctx, OpSetCurrentProtection, opts, a, b.CheckCurrentProtection, b.FormatCurrent)
}

func (b *Base) QueryCurrentProtection(ctx context.Context, opts ...CallOption) (float64, error) {
	return b.askFloatOn(ctx, OpQueryCurrentProtection, opts)
}

func (b *Base) CurrentProtectionOn(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpCurrentProtectionOn, opts, false)
}

func (b *Base) CurrentProtectionOff(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpCurrentProtectionOff, opts, false)
}

func (b *Base) IsCurrentProtectionTripped(ctx context.Context, opts ...CallOption) (bool, error) {
	return b.askBoolOn(ctx, OpCurrentProtectionTripped, opts)
}

func (b *Base) CurrentProtectionClear(ctx context.Context, opts ...CallOption) error {
	return b.action(ctx, OpCurrentProtectionClear, opts, false)
}

func (b *Base) BeeperOn(ctx context.Context) error {
	return b.Exec(ctx, OpBeeperOn, 0, "")
}

func (b *Base) BeeperOff(ctx context.Context) error {
	return b.Exec(ctx, OpBeeperOff, 0, "")
}

var _ IInstrument = (*Base)(nil)
