package resource

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Interface families.
const (
	KindTCPIP = "TCPIP"
	KindUSB   = "USB"
	KindASRL  = "ASRL"
	KindGPIB  = "GPIB"
)

// Resource classes.
const (
	ClassSocket = "SOCKET"
	ClassInstr  = "INSTR"
)

// ErrInvalid is returned when a resource string cannot be parsed.
var ErrInvalid = errors.New("INVALID_RESOURCE")

// Address is a parsed VISA resource string.
type Address struct {
	Raw   string
	Kind  string
	Board int
	Class string

	// TCPIP
	Host   string
	Port   int
	Device string

	// USB
	VendorID  uint16
	ProductID uint16
	Serial    string
	Interface int

	// ASRL: Port is set for numeric boards, Path for device paths.
	Path string

	// GPIB
	GPIBAddress int
}

// Parse splits a VISA resource string into an Address.
func Parse(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Address{}, fmt.Errorf("%w: empty resource", ErrInvalid)
	}
	parts := strings.Split(raw, "::")
	head := strings.ToUpper(parts[0])

	switch {
	case strings.HasPrefix(head, KindTCPIP):
		return parseTCPIP(raw, head, parts)
	case strings.HasPrefix(head, KindUSB):
		return parseUSB(raw, head, parts)
	case strings.HasPrefix(head, KindASRL):
		return parseASRL(raw, parts)
	case strings.HasPrefix(head, KindGPIB):
		return parseGPIB(raw, head, parts)
	}
	return Address{}, fmt.Errorf("%w: unknown interface in %q", ErrInvalid, raw)
}

func board(head, kind string) (int, error) {
	rest := head[len(kind):]
	if rest == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad board number %q", ErrInvalid, head)
	}
	return n, nil
}

func parseTCPIP(raw, head string, parts []string) (Address, error) {
	b, err := board(head, KindTCPIP)
	if err != nil {
		return Address{}, err
	}
	if len(parts) < 3 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	addr := Address{Raw: raw, Kind: KindTCPIP, Board: b, Host: parts[1]}
	if addr.Host == "" {
		return Address{}, fmt.Errorf("%w: missing host in %q", ErrInvalid, raw)
	}
	class := strings.ToUpper(parts[len(parts)-1])
	switch class {
	case ClassSocket:
		if len(parts) != 4 {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil || port <= 0 || port > 65535 {
			return Address{}, fmt.Errorf("%w: bad port in %q", ErrInvalid, raw)
		}
		addr.Port = port
	case ClassInstr:
		switch len(parts) {
		case 3:
			addr.Device = "inst0"
		case 4:
			addr.Device = parts[2]
		default:
			return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
		}
	default:
		return Address{}, fmt.Errorf("%w: unknown resource class %q", ErrInvalid, class)
	}
	addr.Class = class
	return addr, nil
}

func parseUSB(raw, head string, parts []string) (Address, error) {
	b, err := board(head, KindUSB)
	if err != nil {
		return Address{}, err
	}
	if !strings.EqualFold(parts[len(parts)-1], ClassInstr) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	addr := Address{Raw: raw, Kind: KindUSB, Board: b, Class: ClassInstr}
	switch len(parts) {
	case 2:
		// USB0::INSTR means the first USBTMC device found.
		return addr, nil
	case 5, 6:
	default:
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	vid, err := parseID(parts[1])
	if err != nil {
		return Address{}, fmt.Errorf("%w: vendor id in %q", ErrInvalid, raw)
	}
	pid, err := parseID(parts[2])
	if err != nil {
		return Address{}, fmt.Errorf("%w: product id in %q", ErrInvalid, raw)
	}
	addr.VendorID, addr.ProductID, addr.Serial = vid, pid, parts[3]
	if len(parts) == 6 {
		intf, err := strconv.Atoi(parts[4])
		if err != nil {
			return Address{}, fmt.Errorf("%w: interface number in %q", ErrInvalid, raw)
		}
		addr.Interface = intf
	}
	return addr, nil
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseASRL(raw string, parts []string) (Address, error) {
	if len(parts) != 2 || !strings.EqualFold(parts[1], ClassInstr) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	name := parts[0][len(KindASRL):]
	if name == "" {
		return Address{}, fmt.Errorf("%w: missing serial port in %q", ErrInvalid, raw)
	}
	addr := Address{Raw: raw, Kind: KindASRL, Class: ClassInstr}
	if n, err := strconv.Atoi(name); err == nil {
		addr.Port = n
		addr.Board = n
	} else {
		addr.Path = name
	}
	return addr, nil
}

func parseGPIB(raw, head string, parts []string) (Address, error) {
	b, err := board(head, KindGPIB)
	if err != nil {
		return Address{}, err
	}
	if len(parts) != 3 || !strings.EqualFold(parts[2], ClassInstr) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 0 || n > 30 {
		return Address{}, fmt.Errorf("%w: bad GPIB address in %q", ErrInvalid, raw)
	}
	return Address{Raw: raw, Kind: KindGPIB, Board: b, Class: ClassInstr, GPIBAddress: n}, nil
}

// HostPort returns host:port for socket addresses.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String renders the address in canonical VISA form.
func (a Address) String() string {
	switch a.Kind {
	case KindTCPIP:
		if a.Class == ClassSocket {
			return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", a.Board, a.Host, a.Port)
		}
		return fmt.Sprintf("TCPIP%d::%s::%s::INSTR", a.Board, a.Host, a.Device)
	case KindUSB:
		if a.VendorID == 0 && a.ProductID == 0 {
			return fmt.Sprintf("USB%d::INSTR", a.Board)
		}
		return fmt.Sprintf("USB%d::0x%04X::0x%04X::%s::INSTR", a.Board, a.VendorID, a.ProductID, a.Serial)
	case KindASRL:
		if a.Path != "" {
			return "ASRL" + a.Path + "::INSTR"
		}
		return fmt.Sprintf("ASRL%d::INSTR", a.Port)
	case KindGPIB:
		return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.GPIBAddress)
	}
	return a.Raw
}

// Transport profiles.
type Profile string

const (
	ProfileSocket   Profile = "socket"
	ProfileKISS488  Profile = "kiss488"
	ProfilePrologix Profile = "prologix"
	ProfileVXI11    Profile = "vxi11"
	ProfileUSBTMC   Profile = "usbtmc"
	ProfileSerial   Profile = "serial"
	ProfileGPIB     Profile = "gpib"
)

var (
	kissPattern     = regexp.MustCompile(`^TCPIP[0-9]*::.*::23::SOCKET$`)
	prologixPattern = regexp.MustCompile(`^TCPIP[0-9]*::.*::1234::SOCKET$`)
)

// Classify picks the transport profile for an address. Bridge profiles only
// apply to GPIB instruments; a plain socket on port 23 or 1234 is otherwise
// left alone.
func Classify(addr Address, gpibInstrument bool) Profile {
	switch addr.Kind {
	case KindTCPIP:
		if addr.Class == ClassInstr {
			return ProfileVXI11
		}
		if gpibInstrument {
			if kissPattern.MatchString(addr.Raw) {
				return ProfileKISS488
			}
			if prologixPattern.MatchString(addr.Raw) {
				return ProfilePrologix
			}
		}
		return ProfileSocket
	case KindUSB:
		return ProfileUSBTMC
	case KindASRL:
		return ProfileSerial
	case KindGPIB:
		return ProfileGPIB
	}
	return ""
}

// RewriteInstr turns a VXI-11 INSTR address into the raw socket address of
// the same host on port. Non-INSTR addresses are returned unchanged with ok
// false.
func RewriteInstr(addr Address, port int) (Address, bool) {
	if addr.Kind != KindTCPIP || addr.Class != ClassInstr || port <= 0 {
		return addr, false
	}
	out := Address{Kind: KindTCPIP, Board: addr.Board, Class: ClassSocket, Host: addr.Host, Port: port}
	out.Raw = out.String()
	return out, true
}

// SerialDevice maps an ASRL address to an OS serial device name.
func SerialDevice(addr Address, goos string) string {
	if addr.Path != "" {
		return addr.Path
	}
	if goos == "windows" {
		return fmt.Sprintf("COM%d", addr.Port)
	}
	return fmt.Sprintf("/dev/ttyS%d", addr.Port)
}
