package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTree(t *testing.T) {
	volt := tree("[SOURce#]:VOLTage[:LEVel][:IMMediate][:AMPLitude]")
	output := tree("OUTPut#[:STATe]")

	tests := []struct {
		name   string
		m      matcher
		header string
		ch     int
		ok     bool
	}{
		{"short", volt, "VOLT", 0, true},
		{"long lower case", volt, ":source1:voltage:level:immediate:amplitude", 1, true},
		{"suffix", volt, "SOUR2:VOLT:LEV", 2, true},
		{"skipped middle", volt, "VOLT:AMPL", 0, true},
		{"other branch", volt, "SOUR:VOLT:PROT", 0, false},
		{"zero suffix", volt, "SOUR0:VOLT", 0, false},
		{"partial mnemonic", volt, "VOLTA", 0, false},
		{"empty", volt, "", 0, false},
		{"output suffix", output, "OUTP3", 3, true},
		{"output state", output, "OUTPut:STAT", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, ok := tt.m(tt.header)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.ch, ch)
			}
		})
	}
}

func TestExactAndPattern(t *testing.T) {
	_, ok := exact("*IDN")("*idn")
	assert.True(t, ok)
	_, ok = exact("*IDN")("*IDNX")
	assert.False(t, ok)

	ch, ok := pattern(`V(\d)O`)("v1o")
	assert.True(t, ok)
	assert.Equal(t, 1, ch)
	_, ok = pattern(`V(\d)O`)("V1")
	assert.False(t, ok)
	_, ok = pattern(`V(\d)`)("V0")
	assert.False(t, ok)

	ch, ok = pattern(`OPALL`)("opall")
	assert.True(t, ok)
	assert.Zero(t, ch)
}
