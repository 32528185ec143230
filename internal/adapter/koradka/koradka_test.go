package koradka

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

// padISET appends the stray byte the supply sends after an ISET? value.
func padISET(op adapter.Op, _ int, v string) string {
	if op == adapter.OpQueryCurrent {
		return v + "\x01"
	}
	return v
}

func TestConformance(t *testing.T) {
	for _, n := range []int{1, 3} {
		adaptertest.RunConformance(t, adaptertest.Harness{
			Model: ModelN(n),
			New: func(sess transport.Session) adapter.IInstrument {
				return NewN(n, sess, adapter.WithSettle(0))
			},
			Decorate: padISET,
		})
	}
}

func open(t *testing.T, n int) (*KA, *fake.Session) {
	t.Helper()
	sess := fake.New(Model().DefaultResource)
	k := NewN(n, sess, adapter.WithSettle(0))
	require.NoError(t, k.Open(context.Background()))
	return k, sess
}

func TestSetpointFormats(t *testing.T) {
	k, sess := open(t, 3)
	ctx := context.Background()
	require.NoError(t, k.SetVoltage(ctx, 5))
	require.NoError(t, k.SetCurrent(ctx, 1.25, adapter.OnChannel(2)))
	assert.Equal(t, []string{"VSET1:05.00", "ISET2:1.250"}, sess.Writes())
}

func TestFixedWidthReplies(t *testing.T) {
	k, sess := open(t, 1)
	ctx := context.Background()
	sess.Respond("VSET1?", "12.00").
		Respond("ISET1?", "1.500K").
		Respond("VOUT1?", "11.98").
		Respond("IOUT1?", "0.213")

	v, err := k.QueryVoltage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)

	a, err := k.QueryCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, a)

	v, err = k.MeasureVoltage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11.98, v)

	a, err = k.MeasureCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.213, a)
}

func TestShortReplyTimesOut(t *testing.T) {
	k, sess := open(t, 1)
	sess.Respond("ISET1?", "1.500")
	_, err := k.QueryCurrent(context.Background())
	assert.ErrorIs(t, err, adapter.ErrTimeout)
}

func TestStatus(t *testing.T) {
	k, sess := open(t, 1)
	ctx := context.Background()
	sess.Respond("STATUS?", string([]byte{0x51}))

	on, err := k.IsOutputOn(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	st, err := k.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Ch1CV: true, Tracking: Independent, Beeper: true, Output: true}, st)
}

func TestDecodeStatus(t *testing.T) {
	st := DecodeStatus(0b0010_1110)
	assert.False(t, st.Ch1CV)
	assert.True(t, st.Ch2CV)
	assert.Equal(t, Parallel, st.Tracking)
	assert.True(t, st.Lock)
	assert.False(t, st.Output)
	assert.Equal(t, "parallel", st.Tracking.String())
}

func TestPanelAndProtection(t *testing.T) {
	k, sess := open(t, 1)
	ctx := context.Background()

	require.NoError(t, k.SetRemote(ctx))
	require.NoError(t, k.OutputOn(ctx))
	require.NoError(t, k.VoltageProtectionOn(ctx))
	require.NoError(t, k.CurrentProtectionOff(ctx))
	require.NoError(t, k.BeeperOff(ctx))
	assert.ErrorIs(t, k.SetLocal(ctx), adapter.ErrNotSupported)
	assert.ErrorIs(t, k.SetVoltageProtection(ctx, 10), adapter.ErrNotSupported)
	assert.Equal(t, []string{"\n", "OUT1", "OVP1", "OCP0", "BEEP0"}, sess.Writes())
}

func TestIdentifyThenFixedWidth(t *testing.T) {
	k, sess := open(t, 1)
	ctx := context.Background()
	sess.Respond("*IDN?", "KORAD KA3005P V5.8 SN:03379314").
		Respond("VSET1?", "12.00")

	idn, err := k.Identify(ctx)
	require.NoError(t, err)
	assert.Equal(t, "KORAD KA3005P V5.8 SN:03379314", idn)

	v, err := k.QueryVoltage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)
}

func TestLinkEndsIdentifyReply(t *testing.T) {
	link := Model().Link
	assert.Equal(t, "\x00", link.ReadTermination)
	assert.Positive(t, link.ReadIdle)
	assert.Less(t, link.ReadIdle, link.Timeout)
	assert.Empty(t, link.WriteTermination)
}
