package adapter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// scpiOverflow is the smallest magnitude SCPI instruments use to signal
// overflow (9.9E37) or not-a-number (9.91E37) in place of a reading.
const scpiOverflow = 9.9e37

var errOverflow = errors.New("instrument reported overflow")

// ParseFloat parses a numeric reply.
func ParseFloat(reply string) (float64, error) {
	s := strings.TrimSpace(reply)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	if math.Abs(v) >= scpiOverflow {
		return 0, errOverflow
	}
	return v, nil
}

// ParseBool parses 1/0, ON/OFF, YES/NO and TRUE/FALSE replies.
func ParseBool(reply string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(reply)) {
	case "1", "ON", "YES", "TRUE":
		return true, nil
	case "0", "OFF", "NO", "FALSE":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", reply)
}

// ParseCSV parses a comma-separated list of numbers.
func ParseCSV(reply string) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(reply), ",")
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := ParseFloat(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// StripLabel removes a leading "NAME " token and a trailing unit suffix,
// turning replies like "V1 5.000" or "5.000V" into "5.000".
func StripLabel(reply string) string {
	s := strings.TrimSpace(reply)
	if i := strings.LastIndexByte(s, ' '); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimRightFunc(s, unicode.IsLetter)
}
