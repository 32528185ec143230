package keithley622x

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlab/dcps/internal/adapter"
	"github.com/benchlab/dcps/internal/adaptertest"
	"github.com/benchlab/dcps/internal/transport"
	"github.com/benchlab/dcps/internal/transport/fake"
)

func TestConformance(t *testing.T) {
	adaptertest.RunConformance(t, adaptertest.Harness{
		Model: Model(),
		New: func(sess transport.Session) adapter.IInstrument {
			return New(sess, adapter.WithSettle(0))
		},
	})
}

func open(t *testing.T) (*K622x, *fake.Bridge) {
	t.Helper()
	sess := fake.NewBridge(Model().DefaultResource)
	k := New(sess, adapter.WithSettle(0))
	require.NoError(t, k.Open(context.Background()))
	return k, sess
}

func TestCurrentSetsRangeThenLevel(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()

	require.NoError(t, k.SetCurrent(ctx, 0.001))
	require.NoError(t, k.SetCurrent(ctx, -0.105))
	require.NoError(t, k.SetVoltageProtection(ctx, 10))
	assert.Equal(t, []string{
		"SOURce:CURRent:RANGe 1.00e-03",
		"SOURce:CURRent 1.00e-03",
		"SOURce:CURRent:RANGe -1.05e-01",
		"SOURce:CURRent -1.05e-01",
		"SOURce:CURRent:COMPliance 10.000",
	}, sess.Writes())

	assert.ErrorIs(t, k.SetCurrent(ctx, 0.2), adapter.ErrInvalidParameter)
	assert.ErrorIs(t, k.SetVoltageProtection(ctx, 106), adapter.ErrInvalidParameter)
}

func TestVoltageNotSupported(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()

	assert.ErrorIs(t, k.SetVoltage(ctx, 1), adapter.ErrNotSupported)
	_, err := k.QueryVoltage(ctx)
	assert.ErrorIs(t, err, adapter.ErrNotSupported)
	_, err = k.MeasureVoltage(ctx)
	assert.ErrorIs(t, err, adapter.ErrNotSupported)
	_, err = k.MeasureCurrent(ctx)
	assert.ErrorIs(t, err, adapter.ErrNotSupported)
	_, err = k.IsVoltageProtectionTripped(ctx)
	assert.ErrorIs(t, err, adapter.ErrNotSupported)
	assert.ErrorIs(t, k.CurrentProtectionOn(ctx), adapter.ErrNotSupported)
	assert.Empty(t, sess.Writes())
}

func TestFrontPanelThroughBridge(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()
	require.NoError(t, k.SetRemote(ctx))
	require.NoError(t, k.SetLocal(ctx))
	assert.Equal(t, []string{"++llo", "++loc"}, sess.Writes())

	plain := New(fake.New("TCPIP0::192.168.1.20::23::SOCKET"))
	require.NoError(t, plain.Open(ctx))
	assert.ErrorIs(t, plain.SetLocal(ctx), adapter.ErrNotSupported)
}

func TestInterlockInverted(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()

	sess.Respond("OUTPut:INTerlock:TRIPped?", "0")
	tripped, err := k.IsInterlockTripped(ctx)
	require.NoError(t, err)
	assert.True(t, tripped)

	sess.Respond("OUTPut:INTerlock:TRIPped?", "1")
	tripped, err = k.IsInterlockTripped(ctx)
	require.NoError(t, err)
	assert.False(t, tripped)

	sess.Respond("OUTPut:INTerlock:TRIPped?", "?")
	_, err = k.IsInterlockTripped(ctx)
	assert.ErrorIs(t, err, adapter.ErrProtocol)
}

func TestDisplayMessage(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()
	require.NoError(t, k.SetDisplayMessage(ctx, `Say "hi"`, true))
	require.NoError(t, k.DisplayMessageOn(ctx, true))
	require.NoError(t, k.DisplayMessageOff(ctx, false))
	assert.ErrorIs(t, k.SetDisplayMessage(ctx, "this message is far too long for the top", true), adapter.ErrInvalidParameter)
	assert.Equal(t, []string{
		`DISPlay:TEXT "Say 'hi'"`,
		"DISPlay:TEXT:STATe ON",
		"DISPlay:WINDow2:TEXT:STATe OFF",
	}, sess.Writes())
}
