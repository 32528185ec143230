package rigoldp800

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

func open(t *testing.T) (*DP800, *fake.Session) {
	t.Helper()
	sess := fake.New("TCPIP0::172.16.2.13::5555::SOCKET")
	d := New(sess, adapter.WithSettle(0))
	require.NoError(t, d.Open(context.Background()))
	return d, sess
}

func TestChannelEmbeddedCommands(t *testing.T) {
	d, sess := open(t)
	ctx := context.Background()

	require.NoError(t, d.SetVoltage(ctx, 3.3, adapter.OnChannel(2)))
	require.NoError(t, d.SetCurrent(ctx, 0.5))
	require.NoError(t, d.OutputOn(ctx))
	require.NoError(t, d.SetVoltageProtection(ctx, 5.5, adapter.OnChannel(3)))
	require.NoError(t, d.CurrentProtectionOn(ctx))

	assert.Equal(t, []string{
		":SOURce2:VOLTage 3.300",
		":SOURce2:CURRent 0.500",
		":OUTPut CH2,ON",
		":OUTPut:OVP:VALue CH3,5.500",
		":OUTPut:OCP CH3,ON",
	}, sess.Writes())
}

func TestChannelLimits(t *testing.T) {
	d, sess := open(t)
	ctx := context.Background()
	assert.ErrorIs(t, d.SetVoltage(ctx, 6, adapter.OnChannel(3)), adapter.ErrInvalidParameter)
	assert.ErrorIs(t, d.SetVoltageProtection(ctx, 5.6, adapter.OnChannel(3)), adapter.ErrInvalidParameter)
	assert.Empty(t, sess.Writes())
	require.NoError(t, d.SetVoltage(ctx, 30, adapter.OnChannel(1)))
}

func TestQueries(t *testing.T) {
	d, sess := open(t)
	ctx := context.Background()
	sess.Respond(":OUTPut? CH1", "ON").
		Respond(":OUTPut:OVP:QUES? CH1", "YES").
		Respond(":MEASure:CURRent? CH1", "0.1234").
		Respond("*IDN?", "RIGOL TECHNOLOGIES,DP832A,DP8A0000,00.01.16")

	on, err := d.IsOutputOn(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	tripped, err := d.IsVoltageProtectionTripped(ctx)
	require.NoError(t, err)
	assert.True(t, tripped)

	a, err := d.MeasureCurrent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1234, a, 1e-9)

	idn, err := d.Identify(ctx)
	require.NoError(t, err)
	assert.Contains(t, idn, "DP832A")
}

func TestMeasureAll(t *testing.T) {
	d, sess := open(t)
	ctx := context.Background()
	sess.Respond(":MEASure:ALL? CH2", "5.0010,0.2500,1.2503")

	r, err := d.MeasureAll(ctx, adapter.OnChannel(2))
	require.NoError(t, err)
	assert.Equal(t, Reading{Voltage: 5.001, Current: 0.25, Power: 1.2503}, r)

	sess.Respond(":MEASure:ALL? CH2", "5.0010,0.2500")
	_, err = d.MeasureAll(ctx)
	assert.ErrorIs(t, err, adapter.ErrProtocol)

	_, err = d.MeasureAll(ctx, adapter.OnChannel(4))
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)
}

func TestResourceRewrite(t *testing.T) {
	sess, err := transport.New(Model().DefaultResource, Model().Link)
	require.NoError(t, err)
	assert.Equal(t, "TCPIP0::172.16.2.13::5555::SOCKET", sess.Resource())
}
