package simulator

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/catalog"
)

func startServer(t *testing.T, opts Options) (*Instrument, string) {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	inst, err := New(opts)
	require.NoError(t, err)
	srv := NewServer(inst, opts.Logger)
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return inst, addr.String()
}

func openAdapter(t *testing.T, model, addr string, opts ...adapter.Option) adapter.IInstrument {
	t.Helper()
	inst, err := catalog.Open(model, catalog.Options{
		Resource: addr,
		Timeout:  300 * time.Millisecond,
		Adapter:  append([]adapter.Option{adapter.WithSettle(0)}, opts...),
	})
	require.NoError(t, err)
	require.NoError(t, inst.Open(context.Background()))
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func TestServerRawSocket(t *testing.T) {
	_, addr := startServer(t, Options{Dialect: "scpi"})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte("VOLT 2.5\r\n\nVOLT?;*OPC?\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "2.500;1\n", line)
}

func TestServerGenericSCPI(t *testing.T) {
	sim, addr := startServer(t, Options{Dialect: "scpi", Channels: catalog.GenericChannels})
	inst := openAdapter(t, "scpi", addr)
	ctx := context.Background()

	idn, err := inst.Identify(ctx)
	require.NoError(t, err)
	assert.Contains(t, idn, "SIM-SCPI")

	ch2 := adapter.OnChannel(2)
	require.NoError(t, inst.SetVoltage(ctx, 5, ch2))
	require.NoError(t, inst.SetCurrent(ctx, 1, ch2))
	require.NoError(t, inst.OutputOn(ctx, ch2))

	v, err := inst.QueryVoltage(ctx, ch2)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
	v, err = inst.MeasureVoltage(ctx, ch2)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
	a, err := inst.MeasureCurrent(ctx, ch2)
	require.NoError(t, err)
	assert.Equal(t, 0.5, a)

	on, err := inst.IsOutputOn(ctx, adapter.OnChannel(1))
	require.NoError(t, err)
	assert.False(t, on)

	st := sim.Snapshot()
	assert.True(t, st.Channels[1].Output)
	assert.False(t, st.Channels[0].Output)

	require.NoError(t, inst.SetVoltageProtection(ctx, 4, ch2))
	require.NoError(t, inst.VoltageProtectionOn(ctx, ch2))
	tripped, err := inst.IsVoltageProtectionTripped(ctx, ch2)
	require.NoError(t, err)
	assert.True(t, tripped)
	require.NoError(t, inst.VoltageProtectionClear(ctx, ch2))
	tripped, err = inst.IsVoltageProtectionTripped(ctx, ch2)
	require.NoError(t, err)
	assert.False(t, tripped)

	require.NoError(t, inst.BeeperOff(ctx))
	require.NoError(t, inst.SetRemoteLock(ctx))
	st = sim.Snapshot()
	assert.False(t, st.Beeper)
	assert.True(t, st.Locked)
	require.NoError(t, inst.SetLocal(ctx))
	assert.False(t, sim.Snapshot().Remote)
}

func TestServerDP800(t *testing.T) {
	sim, addr := startServer(t, Options{Dialect: "dp800", Channels: 3})
	inst := openAdapter(t, "dp800", addr, adapter.WithErrorCheck(true))
	ctx := context.Background()

	ch3 := adapter.OnChannel(3)
	require.NoError(t, inst.SetVoltage(ctx, 3.3, ch3))
	require.NoError(t, inst.SetCurrent(ctx, 1, ch3))
	require.NoError(t, inst.OutputOn(ctx, ch3))
	on, err := inst.IsOutputOn(ctx, ch3)
	require.NoError(t, err)
	assert.True(t, on)

	v, err := inst.MeasureVoltage(ctx, ch3)
	require.NoError(t, err)
	assert.Equal(t, 3.3, v)

	require.NoError(t, inst.SetCurrentProtection(ctx, 0.2, ch3))
	require.NoError(t, inst.CurrentProtectionOn(ctx, ch3))
	tripped, err := inst.IsCurrentProtectionTripped(ctx, ch3)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.False(t, sim.Snapshot().Channels[2].Output)

	ovp, err := inst.QueryVoltageProtection(ctx, ch3)
	require.NoError(t, err)
	assert.InDelta(t, 33.0, ovp, 1e-3)

	require.NoError(t, inst.OutputOffAll(ctx))
}

func TestServerAimTTi(t *testing.T) {
	sim, addr := startServer(t, Options{Dialect: "aimtti", Channels: 3})
	inst := openAdapter(t, "ttiplp", addr, adapter.WithErrorCheck(true))
	ctx := context.Background()

	require.NoError(t, inst.SetVoltage(ctx, 12))
	require.NoError(t, inst.SetCurrent(ctx, 0.5))
	v, err := inst.QueryVoltage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)
	a, err := inst.QueryCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, a)

	require.NoError(t, inst.OutputOnAll(ctx))
	v, err = inst.MeasureVoltage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	require.NoError(t, sim.Trip(1, true))
	tripped, err := inst.IsVoltageProtectionTripped(ctx)
	require.NoError(t, err)
	assert.True(t, tripped)
	tripped, err = inst.IsCurrentProtectionTripped(ctx)
	require.NoError(t, err)
	assert.False(t, tripped)
	require.NoError(t, inst.VoltageProtectionClear(ctx))
	tripped, err = inst.IsVoltageProtectionTripped(ctx)
	require.NoError(t, err)
	assert.False(t, tripped)

	require.NoError(t, inst.SetRemoteLock(ctx))
	assert.True(t, sim.Snapshot().Locked)
	assert.ErrorIs(t, inst.BeeperOn(ctx), adapter.ErrNotSupported)
}

func TestServerFaults(t *testing.T) {
	sim, addr := startServer(t, Options{Dialect: "scpi", Channels: catalog.GenericChannels})
	ctx := context.Background()

	sim.SetFault(FaultGarbage)
	inst := openAdapter(t, "scpi", addr)
	_, err := inst.MeasureVoltage(ctx)
	assert.ErrorIs(t, err, adapter.ErrProtocol)
	// The simulator serves one client at a time.
	require.NoError(t, inst.Close())

	sim.SetFault(FaultReject)
	checked := openAdapter(t, "scpi", addr, adapter.WithErrorCheck(true))
	err = checked.SetVoltage(ctx, 5)
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)
	assert.Equal(t, "INVALID_PARAMETER", adapter.Code(err))

	sim.SetFault(FaultSilent)
	_, err = checked.QueryVoltage(ctx)
	assert.ErrorIs(t, err, adapter.ErrTimeout)
}

func TestServerOneClientAtATime(t *testing.T) {
	_, addr := startServer(t, Options{Dialect: "scpi"})

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = first.Write([]byte("*OPC?\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(first).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "1\n", line)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	_, err = second.Write([]byte("*OPC?\n"))
	require.NoError(t, err)
	_ = second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	r := bufio.NewReader(second)
	_, err = r.ReadString('\n')
	require.Error(t, err)

	first.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "1\n", line)
}

func TestServerClose(t *testing.T) {
	inst, err := New(Options{Dialect: "scpi", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	srv := NewServer(inst, nil)
	assert.Nil(t, srv.Addr())

	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, addr.String(), srv.Addr().String())

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = bufio.NewReader(conn).ReadString('\n')
	assert.Error(t, err)

	_, err = srv.Start("127.0.0.1:0")
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestServerStartRacesClose(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for range 50 {
		inst, err := New(Options{Dialect: "scpi", Logger: logger})
		require.NoError(t, err)
		srv := NewServer(inst, logger)

		started := make(chan net.Addr, 1)
		go func() {
			addr, err := srv.Start("127.0.0.1:0")
			if err != nil {
				assert.ErrorIs(t, err, net.ErrClosed)
			}
			started <- addr
		}()
		require.NoError(t, srv.Close())
		addr := <-started
		if addr == nil {
			continue
		}
		// Start won: Close must still tear the listener down.
		require.NoError(t, srv.Close())
		conn, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
		if err == nil {
			conn.Close()
		}
		assert.Error(t, err)
	}
}
