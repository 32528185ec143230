package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlab/dcps/internal/resource"
	"github.com/benchlab/dcps/internal/trace"
	"github.com/benchlab/dcps/internal/transport"
)

type sessioned interface {
	Session() transport.Session
}

func TestLookup(t *testing.T) {
	e, err := Lookup("DP800")
	require.NoError(t, err)
	assert.Equal(t, "dp800", e.Name)
	assert.Equal(t, "DP800", e.Model.Name)

	_, err = Lookup("hp6632")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), "korad3")
}

func TestEntriesAreConsistent(t *testing.T) {
	seen := map[string]bool{}
	for _, e := range Entries() {
		assert.False(t, seen[e.Name], "duplicate %s", e.Name)
		seen[e.Name] = true
		assert.NotEmpty(t, e.Model.Channels, e.Name)
		assert.NotEmpty(t, e.Model.EnvVar, e.Name)
		assert.NotEmpty(t, e.Model.DefaultResource, e.Name)
		assert.NotNil(t, e.New, e.Name)
	}
	assert.Equal(t, len(Entries()), len(Names()))
	assert.Equal(t, 3, len(mustLookup(t, "korad3").Model.Channels))
}

func mustLookup(t *testing.T, name string) Entry {
	t.Helper()
	e, err := Lookup(name)
	require.NoError(t, err)
	return e
}

func TestNormalizeResource(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"192.168.1.5", "TCPIP0::192.168.1.5::INSTR"},
		{"psu.lab:5025", "TCPIP0::psu.lab::5025::SOCKET"},
		{"  TCPIP0::10.0.0.2::INSTR ", "TCPIP0::10.0.0.2::INSTR"},
		{"ASRL/dev/ttyUSB0::INSTR", "ASRL/dev/ttyUSB0::INSTR"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeResource(tt.in))
		})
	}
}

func TestDefaultResource(t *testing.T) {
	e := mustLookup(t, "ttiplp")

	t.Setenv(e.Model.EnvVar, "")
	assert.Equal(t, e.Model.DefaultResource, e.DefaultResource())

	t.Setenv(e.Model.EnvVar, "10.1.1.9")
	assert.Equal(t, "TCPIP0::10.1.1.9::INSTR", e.DefaultResource())

	t.Setenv(e.Model.EnvVar, "TCPIP0::10.1.1.9::9221::SOCKET")
	assert.Equal(t, "TCPIP0::10.1.1.9::9221::SOCKET", e.DefaultResource())
}

func TestGPIBDefaultsUseKISS488(t *testing.T) {
	for _, name := range []string{"e364xa", "k622x", "k2182", "k2400"} {
		e := mustLookup(t, name)
		addr, err := resource.Parse(e.Model.DefaultResource)
		require.NoError(t, err, name)
		assert.Equal(t, resource.ProfileKISS488, resource.Classify(addr, e.Model.Link.GPIB), name)
	}
}

func TestLinkKeepsModelTimeout(t *testing.T) {
	e := mustLookup(t, "korad")
	assert.Equal(t, e.Model.Link.Timeout, e.Link(Options{}).Timeout)
	assert.Equal(t, 300*time.Millisecond, e.Link(Options{Timeout: 300 * time.Millisecond}).Timeout)

	k := mustLookup(t, "e364xa")
	assert.Equal(t, 7, k.Link(Options{GPIBAddress: 7}).GPIBAddress)
	assert.Equal(t, k.Model.Link.GPIBAddress, k.Link(Options{}).GPIBAddress)
}

func TestOpenBuildsUnopenedAdapter(t *testing.T) {
	inst, err := Open("bk9115", Options{Resource: "127.0.0.1:5025"})
	require.NoError(t, err)
	assert.Equal(t, "BK9115", inst.Model().Name)

	s, ok := inst.(sessioned)
	require.True(t, ok)
	assert.Equal(t, "TCPIP0::127.0.0.1::5025::SOCKET", s.Session().Resource())
	assert.NoError(t, inst.Close())
}

func TestOpenWithRecorder(t *testing.T) {
	inst, err := Open("scpi", Options{Recorder: trace.Noop{}})
	require.NoError(t, err)

	s, ok := inst.(sessioned)
	require.True(t, ok)
	_, traced := s.Session().(*trace.Session)
	assert.True(t, traced)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open("nope", Options{})
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = Open("dp800", Options{Resource: "TCPIP0::::INSTR"})
	assert.ErrorIs(t, err, transport.ErrTransport)
}
