package keithley2400

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

func open(t *testing.T) (*K2400, *fake.Bridge) {
	t.Helper()
	sess := fake.NewBridge(Model().DefaultResource)
	k := New(sess, adapter.WithSettle(0))
	require.NoError(t, k.Open(context.Background()))
	return k, sess
}

const record = "+1.000012E+00,-1.002000E-03,+9.910000E+37,+1.234E+03,+2.150800E+04"

func TestMeasurePicksField(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()
	sess.Respond(":READ?", record)

	v, err := k.MeasureVoltage(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.000012, v, 1e-9)

	a, err := k.MeasureCurrent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -1.002e-3, a, 1e-12)

	assert.Equal(t, []string{
		`:SENSe1:FUNCtion:CONCurrent OFF`, `:SENSe1:FUNCtion:ON "VOLT"`, `:READ?`,
		`:SENSe1:FUNCtion:CONCurrent OFF`, `:SENSe1:FUNCtion:ON "CURR"`, `:READ?`,
	}, sess.Writes())
}

func TestMeasureShortRecord(t *testing.T) {
	k, sess := open(t)
	sess.Respond(":READ?", "+1.0E+00")
	_, err := k.MeasureCurrent(context.Background())
	assert.ErrorIs(t, err, adapter.ErrProtocol)
}

func TestResistanceOverflow(t *testing.T) {
	k, sess := open(t)
	sess.Respond(":READ?", record)
	_, err := k.MeasureResistance(context.Background())
	assert.ErrorIs(t, err, adapter.ErrProtocol)
}

func TestMeasureVCR(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()
	sess.Respond(":READ?", "+5.0E+00,+1.0E-03,+5.0E+03,+1.0E+00,+0.0E+00")

	r, err := k.MeasureVCR(ctx)
	require.NoError(t, err)
	assert.Equal(t, VCR{Voltage: 5, Current: 0.001, Resistance: 5000}, r)
	assert.Equal(t, []string{
		`:SENSe1:FUNCtion:CONCurrent ON`,
		`:SENSe1:FUNCtion:ON "VOLT"`,
		`:SENSe1:FUNCtion:ON "CURR"`,
		`:SENSe1:FUNCtion:ON "RES"`,
		`:READ?`,
	}, sess.Writes())
}

func TestSourceAndCompliance(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()

	require.NoError(t, k.SetSourceFunction(ctx, SourceCurrent))
	require.NoError(t, k.SetCurrent(ctx, -0.01))
	require.NoError(t, k.SetCurrentProtection(ctx, 0.105))
	assert.ErrorIs(t, k.SetSourceFunction(ctx, "POWer"), adapter.ErrInvalidParameter)
	assert.ErrorIs(t, k.CurrentProtectionOn(ctx), adapter.ErrNotSupported)
	assert.Equal(t, []string{
		":SOURce1:FUNCtion:MODE CURRent",
		":SOURce:CURRent:LEVel:IMMediate:AMPLitude -0.010000",
		":SENSe:CURRent:PROTection 0.105000",
	}, sess.Writes())
}

func TestFrontPanelThroughBridge(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()
	require.NoError(t, k.SetRemoteLock(ctx))
	require.NoError(t, k.SetLocal(ctx))
	assert.Equal(t, []string{"++llo", "++loc"}, sess.Writes())
}

func TestDisplayMessage(t *testing.T) {
	k, sess := open(t)
	ctx := context.Background()
	require.NoError(t, k.SetDisplayMessage(ctx, "RUNNING", false))
	require.NoError(t, k.DisplayMessageOn(ctx, false))
	assert.Equal(t, []string{`:DISPlay:WINDow2:TEXT:DATA "RUNNING"`, ":DISPlay:WINDow2:TEXT:STATe ON"}, sess.Writes())
}
