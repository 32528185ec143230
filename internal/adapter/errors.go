package adapter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/benchlab/dcps/internal/transport"
)

// Normalized instrument errors. Transport errors are shared with the
// transport package so errors.Is works across both layers.
var (
	ErrTransport        = transport.ErrTransport
	ErrTimeout          = transport.ErrTimeout
	ErrProtocol         = errors.New("PROTOCOL_ERROR")
	ErrInvalidParameter = errors.New("INVALID_PARAMETER")
	ErrNotSupported     = errors.New("NOT_SUPPORTED")
)

// DeviceError carries the diagnostic detail behind a normalized error.
type DeviceError struct {
	Code     error  // normalized code
	Op       Op     // facade operation, if any
	Command  string // SCPI text sent
	Reply    string // raw reply or error-queue entry
	Original error  // underlying cause
}

func (e *DeviceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.Error())
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, " [%s]", e.Command)
	}
	if e.Reply != "" {
		fmt.Fprintf(&b, " reply %q", e.Reply)
	}
	if e.Original != nil {
		fmt.Fprintf(&b, ": %v", e.Original)
	}
	return b.String()
}

// Unwrap exposes both the normalized code and the original cause.
func (e *DeviceError) Unwrap() []error {
	if e.Original == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Original}
}

func invalidParam(op Op, format string, args ...any) error {
	return &DeviceError{Code: ErrInvalidParameter, Op: op, Original: fmt.Errorf(format, args...)}
}

func notSupported(model string, op Op) error {
	return &DeviceError{Code: ErrNotSupported, Op: op, Original: fmt.Errorf("%s does not support %s", model, op)}
}

// NotSupported is used by model packages for operations the instrument
// lacks.
func NotSupported(model string, op Op) error { return notSupported(model, op) }

// ProtocolError reports an unexpected reply to cmd.
func ProtocolError(op Op, cmd, reply string, cause error) error {
	return &DeviceError{Code: ErrProtocol, Op: op, Command: cmd, Reply: reply, Original: cause}
}

// scpiCodeRange maps a band of SCPI error-queue codes to a normalized error.
type scpiCodeRange struct {
	lo, hi int
	code   error
}

// SCPIErrorRanges classifies SYSTem:ERRor? codes. SCPI-99 Vol 2 §21.8:
// -100 command errors, -200 execution errors (-220 parameter errors),
// -300 device-specific errors, -400 query errors. Positive codes are
// instrument specific. First match wins.
var SCPIErrorRanges = []scpiCodeRange{
	{lo: -229, hi: -220, code: ErrInvalidParameter},
	{lo: -199, hi: -100, code: ErrProtocol},
	{lo: -299, hi: -200, code: ErrProtocol},
	{lo: -399, hi: -300, code: ErrProtocol},
	{lo: -499, hi: -400, code: ErrProtocol},
}

// NormalizeSCPIError turns an error-queue entry into a DeviceError. A zero
// code means no error and returns nil.
func NormalizeSCPIError(code int, msg, cmd string) error {
	if code == 0 {
		return nil
	}
	norm := ErrProtocol
	for _, r := range SCPIErrorRanges {
		if code >= r.lo && code <= r.hi {
			norm = r.code
			break
		}
	}
	return &DeviceError{
		Code:     norm,
		Command:  cmd,
		Reply:    fmt.Sprintf("%d,%q", code, msg),
		Original: fmt.Errorf("instrument error %d: %s", code, msg),
	}
}

// ParseErrorQueue splits a SYSTem:ERRor? reply such as `-113,"Undefined header"`.
func ParseErrorQueue(reply string) (int, string, error) {
	reply = strings.TrimSpace(reply)
	num, msg, _ := strings.Cut(reply, ",")
	code, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return 0, "", fmt.Errorf("error queue reply %q: %w", reply, err)
	}
	return code, strings.Trim(strings.TrimSpace(msg), `"`), nil
}

// Code returns the normalized code name of err, "OK" for nil and
// "INTERNAL" for errors outside the taxonomy.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrInvalidParameter):
		return ErrInvalidParameter.Error()
	case errors.Is(err, ErrNotSupported):
		return ErrNotSupported.Error()
	case errors.Is(err, ErrTimeout):
		return ErrTimeout.Error()
	case errors.Is(err, ErrTransport):
		return ErrTransport.Error()
	case errors.Is(err, ErrProtocol):
		return ErrProtocol.Error()
	}
	return "INTERNAL"
}
