package resource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Address
	}{
		{
			name: "raw socket",
			in:   "TCPIP0::192.168.1.100::9221::SOCKET",
			want: Address{Kind: KindTCPIP, Class: ClassSocket, Host: "192.168.1.100", Port: 9221},
		},
		{
			name: "vxi11 without device",
			in:   "TCPIP0::172.16.2.13::INSTR",
			want: Address{Kind: KindTCPIP, Class: ClassInstr, Host: "172.16.2.13", Device: "inst0"},
		},
		{
			name: "vxi11 with device and board",
			in:   "TCPIP1::dmm.lab::inst0::INSTR",
			want: Address{Kind: KindTCPIP, Board: 1, Class: ClassInstr, Host: "dmm.lab", Device: "inst0"},
		},
		{
			name: "usb hex ids",
			in:   "USB0::0x1AB1::0x0E11::DP8C123456::INSTR",
			want: Address{Kind: KindUSB, Class: ClassInstr, VendorID: 0x1AB1, ProductID: 0x0E11, Serial: "DP8C123456"},
		},
		{
			name: "usb decimal ids with interface",
			in:   "USB0::2391::1031::MY123::0::INSTR",
			want: Address{Kind: KindUSB, Class: ClassInstr, VendorID: 2391, ProductID: 1031, Serial: "MY123"},
		},
		{
			name: "usb first device",
			in:   "USB0::INSTR",
			want: Address{Kind: KindUSB, Class: ClassInstr},
		},
		{
			name: "numbered serial",
			in:   "ASRL8::INSTR",
			want: Address{Kind: KindASRL, Class: ClassInstr, Board: 8, Port: 8},
		},
		{
			name: "serial path",
			in:   "ASRL/dev/ttyUSB0::INSTR",
			want: Address{Kind: KindASRL, Class: ClassInstr, Path: "/dev/ttyUSB0"},
		},
		{
			name: "gpib",
			in:   "GPIB0::24::INSTR",
			want: Address{Kind: KindGPIB, Class: ClassInstr, GPIBAddress: 24},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			tt.want.Raw = tt.in
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"FOO0::bar::INSTR",
		"TCPIP0::host::notaport::SOCKET",
		"TCPIP0::host::70000::SOCKET",
		"TCPIP0::::5025::SOCKET",
		"TCPIPx::host::5025::SOCKET",
		"TCPIP0::host::5025::BOGUS",
		"USB0::0xZZZZ::0x1::SN::INSTR",
		"USB0::0x1::0x1::SN::SOCKET",
		"ASRL::INSTR",
		"GPIB0::31::INSTR",
	} {
		_, err := Parse(in)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalid", in, err)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		gpib bool
		want Profile
	}{
		{"TCPIP0::192.168.1.20::23::SOCKET", true, ProfileKISS488},
		{"TCPIP::192.168.1.20::23::SOCKET", true, ProfileKISS488},
		{"TCPIP0::192.168.1.20::1234::SOCKET", true, ProfilePrologix},
		{"TCPIP0::192.168.1.20::23::SOCKET", false, ProfileSocket},
		{"TCPIP0::192.168.1.20::1234::SOCKET", false, ProfileSocket},
		{"TCPIP0::192.168.1.20::5025::SOCKET", true, ProfileSocket},
		{"TCPIP0::192.168.1.20::INSTR", true, ProfileVXI11},
		{"USB0::0x1AB1::0x0E11::SN::INSTR", false, ProfileUSBTMC},
		{"ASRL8::INSTR", false, ProfileSerial},
		{"GPIB0::7::INSTR", true, ProfileGPIB},
	}
	for _, tt := range tests {
		addr, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, Classify(addr, tt.gpib), tt.in)
	}
}

func TestRewriteInstr(t *testing.T) {
	addr, err := Parse("TCPIP0::192.168.1.100::INSTR")
	require.NoError(t, err)

	out, ok := RewriteInstr(addr, 9221)
	require.True(t, ok)
	assert.Equal(t, "TCPIP0::192.168.1.100::9221::SOCKET", out.Raw)
	assert.Equal(t, ClassSocket, out.Class)
	assert.Equal(t, "192.168.1.100:9221", out.HostPort())

	sock, err := Parse("TCPIP0::192.168.1.100::5025::SOCKET")
	require.NoError(t, err)
	same, ok := RewriteInstr(sock, 9221)
	assert.False(t, ok)
	assert.Equal(t, sock, same)

	_, ok = RewriteInstr(addr, 0)
	assert.False(t, ok)
}

func TestSerialDevice(t *testing.T) {
	num, err := Parse("ASRL8::INSTR")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS8", SerialDevice(num, "linux"))
	assert.Equal(t, "COM8", SerialDevice(num, "windows"))

	path, err := Parse("ASRL/dev/ttyUSB0::INSTR")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", SerialDevice(path, "linux"))
}

func TestStringRoundTrip(t *testing.T) {
	for _, in := range []string{
		"TCPIP0::10.0.0.1::5025::SOCKET",
		"TCPIP0::10.0.0.1::inst0::INSTR",
		"USB0::0x1AB1::0x0E11::SN1::INSTR",
		"USB0::INSTR",
		"ASRL3::INSTR",
		"ASRL/dev/ttyACM0::INSTR",
		"GPIB0::12::INSTR",
	} {
		addr, err := Parse(in)
		require.NoError(t, err)
		assert.Equal(t, in, addr.String())
	}
}
