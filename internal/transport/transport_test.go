package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlab/dcps/internal/resource"
)

// lineServer accepts one connection, optionally sends a greeting and then
// answers each received line through respond. Every line is recorded.
type lineServer struct {
	ln       net.Listener
	greeting string
	respond  func(line string) (string, bool)

	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func newLineServer(t *testing.T, greeting string, respond func(string) (string, bool)) *lineServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &lineServer{ln: ln, greeting: greeting, respond: respond, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		<-s.done
	})
	return s
}

func (s *lineServer) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	if s.greeting != "" {
		_, _ = conn.Write([]byte(s.greeting))
	}
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()
		if s.respond == nil {
			continue
		}
		if reply, ok := s.respond(line); ok {
			_, _ = conn.Write([]byte(reply + "\n"))
		}
	}
}

func (s *lineServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *lineServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *lineServer) socketAddr(t *testing.T) resource.Address {
	t.Helper()
	addr, err := resource.Parse(fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", s.port()))
	require.NoError(t, err)
	return addr
}

func echoIDN(line string) (string, bool) {
	if line == "*IDN?" {
		return "RIGOL TECHNOLOGIES,DP832,DP8A000001,00.01.14", true
	}
	return "", false
}

func lineSettings() Settings {
	return Settings{ReadTermination: "\n", WriteTermination: "\n", Timeout: time.Second}
}

func TestSocketQuery(t *testing.T) {
	srv := newLineServer(t, "", echoIDN)
	sock := NewSocket(srv.socketAddr(t), lineSettings())
	ctx := context.Background()

	require.NoError(t, sock.Open(ctx))
	require.NoError(t, sock.Open(ctx), "second Open is a no-op")
	defer sock.Close()

	require.NoError(t, sock.Write(ctx, "OUTPut:STATe ON"))
	reply, err := sock.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "RIGOL TECHNOLOGIES,DP832,DP8A000001,00.01.14", reply)
	assert.Equal(t, []string{"OUTPut:STATe ON", "*IDN?"}, srv.received())
}

func TestSocketTimeout(t *testing.T) {
	srv := newLineServer(t, "", nil)
	s := lineSettings()
	s.Timeout = 100 * time.Millisecond
	sock := NewSocket(srv.socketAddr(t), s)
	ctx := context.Background()
	require.NoError(t, sock.Open(ctx))
	defer sock.Close()

	_, err := sock.Query(ctx, "MEASure:VOLTage:DC?")
	assert.ErrorIs(t, err, ErrTimeout)

	// The session stays usable after a timeout.
	assert.NoError(t, sock.Write(ctx, "*CLS"))
}

func TestSocketContextCancel(t *testing.T) {
	srv := newLineServer(t, "", nil)
	s := lineSettings()
	s.Timeout = 5 * time.Second
	sock := NewSocket(srv.socketAddr(t), s)
	require.NoError(t, sock.Open(context.Background()))
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := sock.Query(ctx, "READ?")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSocketNotOpen(t *testing.T) {
	addr, err := resource.Parse("TCPIP0::127.0.0.1::5025::SOCKET")
	require.NoError(t, err)
	sock := NewSocket(addr, lineSettings())

	assert.ErrorIs(t, sock.Write(context.Background(), "*RST"), ErrTransport)
	_, err = sock.Read(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.NoError(t, sock.Close(), "close of a never-opened session")
}

func TestSocketDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	addr, err := resource.Parse(fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", port))
	require.NoError(t, err)
	sock := NewSocket(addr, lineSettings())
	assert.ErrorIs(t, sock.Open(context.Background()), ErrTransport)
	assert.NoError(t, sock.Close())
}

func TestSocketReadBytes(t *testing.T) {
	srv := newLineServer(t, "", func(line string) (string, bool) {
		if line == "VSET1?" {
			return "05.00", true
		}
		return "", false
	})
	s := lineSettings()
	s.ReadTermination = ""
	sock := NewSocket(srv.socketAddr(t), s)
	ctx := context.Background()
	require.NoError(t, sock.Open(ctx))
	defer sock.Close()

	require.NoError(t, sock.Write(ctx, "VSET1?"))
	b, err := sock.ReadBytes(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "05.00", string(b))

	_, err = sock.Read(ctx)
	assert.ErrorIs(t, err, ErrTransport, "read without a termination")
}

func TestKISS488(t *testing.T) {
	srv := newLineServer(t, "KISS-488 Ethernet v2.1\r\n", func(line string) (string, bool) {
		if line == "VOLTage?" {
			return "+5.00000000E+00", true
		}
		return "", false
	})
	s := lineSettings()
	s.GPIB = true
	res := fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", srv.port())
	kiss := NewKISS488(NewSocket(srv.socketAddr(t), s), s)
	ctx := context.Background()

	require.NoError(t, kiss.Open(ctx))
	defer kiss.Close()
	assert.Equal(t, res, kiss.Resource())

	reply, err := kiss.Query(ctx, "VOLTage?")
	require.NoError(t, err)
	assert.Equal(t, "+5.00000000E+00", reply)
}

func TestPrologixSetup(t *testing.T) {
	srv := newLineServer(t, "", func(line string) (string, bool) {
		switch line {
		case "++ver":
			return "Prologix GPIB-ETHERNET Controller version 01.06.06.00", true
		case "++read eoi":
			return "+1.234560E-03", true
		}
		return "", false
	})
	s := lineSettings()
	s.GPIB = true
	s.GPIBAddress = 24
	s.BridgeReadTimeout = 700 * time.Millisecond
	p := NewPrologix(NewSocket(srv.socketAddr(t), s), s)
	ctx := context.Background()

	require.NoError(t, p.Open(ctx))
	defer p.Close()
	assert.Contains(t, p.Version(), "Prologix")

	reply, err := p.Query(ctx, ":READ?")
	require.NoError(t, err)
	assert.Equal(t, "+1.234560E-03", reply)

	require.NoError(t, p.Local(ctx))
	require.NoError(t, p.Lockout(ctx))

	require.Eventually(t, func() bool { return len(srv.received()) == 12 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"++mode 1",
		"++auto 0",
		"++addr 24",
		"++eos 2",
		"++eoi 1",
		"++read_tmo_ms 700",
		"++eot_enable 0",
		"++ver",
		":READ?",
		"++read eoi",
		"++loc",
		"++llo",
	}, srv.received())
}

func TestNewPicksProfile(t *testing.T) {
	gpib := Settings{GPIB: true}
	tests := []struct {
		name     string
		res      string
		settings Settings
		want     any
	}{
		{"raw socket", "TCPIP0::10.0.0.1::5025::SOCKET", Settings{}, &Socket{}},
		{"kiss488", "TCPIP0::10.0.0.1::23::SOCKET", gpib, &KISS488{}},
		{"prologix", "TCPIP0::10.0.0.1::1234::SOCKET", gpib, &Prologix{}},
		{"port 23 on a non gpib model", "TCPIP0::10.0.0.1::23::SOCKET", Settings{}, &Socket{}},
		{"serial", "ASRL8::INSTR", Settings{}, &Serial{}},
		{"usb", "USB0::0x1AB1::0x0E11::SN::INSTR", Settings{}, &USBTMC{}},
		{"instr with raw port", "TCPIP0::10.0.0.1::INSTR", Settings{RawPort: 9221}, &Socket{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := New(tt.res, tt.settings)
			require.NoError(t, err)
			assert.IsType(t, tt.want, sess)
		})
	}
}

func TestNewRewritesInstr(t *testing.T) {
	sess, err := New("TCPIP0::10.0.0.1::INSTR", Settings{RawPort: 9221})
	require.NoError(t, err)
	assert.Equal(t, "TCPIP0::10.0.0.1::9221::SOCKET", sess.Resource())
}

func TestNewRejects(t *testing.T) {
	for _, res := range []string{
		"TCPIP0::10.0.0.1::INSTR",
		"GPIB0::7::INSTR",
		"not a resource",
	} {
		_, err := New(res, Settings{})
		assert.ErrorIs(t, err, ErrTransport, res)
	}
}

// fakePort is an in-memory serialPort that answers writes from a map.
type fakePort struct {
	replies map[string]string
	rx      []byte
	written []string
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.rx) == 0 {
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.written = append(p.written, string(b))
	if r, ok := p.replies[string(b)]; ok {
		p.rx = append(p.rx, r...)
	}
	return len(b), nil
}

func (p *fakePort) Close() error { p.closed = true; return nil }
func (p *fakePort) Flush() error { return nil }

func TestSerialFixedWidth(t *testing.T) {
	addr, err := resource.Parse("ASRL8::INSTR")
	require.NoError(t, err)
	port := &fakePort{replies: map[string]string{
		"VSET1?":  "05.00",
		"ISET1?":  "1.000\x01",
		"*IDN?\n": "KORAD KA3005P V5.8 SN:03379314\n",
	}}
	s := NewSerial(addr, Settings{Timeout: 200 * time.Millisecond})
	s.open = func(c *serialConfig) (serialPort, error) {
		assert.Equal(t, DefaultBaudRate, c.Baud)
		return port, nil
	}
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	require.NoError(t, s.Write(ctx, "VSET1?"))
	b, err := s.ReadBytes(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "05.00", string(b))

	require.NoError(t, s.Write(ctx, "ISET1?"))
	b, err = s.ReadBytes(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, "1.000\x01", string(b))

	// No reply pending: the read times out.
	_, err = s.ReadBytes(ctx, 1)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
}

func TestSerialTerminatedQuery(t *testing.T) {
	addr, err := resource.Parse("ASRL/dev/ttyUSB0::INSTR")
	require.NoError(t, err)
	port := &fakePort{replies: map[string]string{"*IDN?\n": "ITECH,IT6512C,123,1.0\n"}}
	s := NewSerial(addr, Settings{ReadTermination: "\n", WriteTermination: "\n", BaudRate: 115200})
	assert.Equal(t, "/dev/ttyUSB0", s.device)
	s.open = func(c *serialConfig) (serialPort, error) {
		assert.Equal(t, 115200, c.Baud)
		assert.Equal(t, "/dev/ttyUSB0", c.Name)
		return port, nil
	}
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	reply, err := s.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ITECH,IT6512C,123,1.0", reply)
}

func TestSerialIdleEndsUnterminatedReply(t *testing.T) {
	addr, err := resource.Parse("ASRL8::INSTR")
	require.NoError(t, err)
	port := &fakePort{replies: map[string]string{
		"*IDN?":  "KORAD KA3005P V5.8 SN:03379314",
		"VSET1?": "05.00",
	}}
	s := NewSerial(addr, Settings{ReadTermination: "\x00", ReadIdle: 20 * time.Millisecond, Timeout: 500 * time.Millisecond})
	s.open = func(*serialConfig) (serialPort, error) { return port, nil }
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	reply, err := s.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "KORAD KA3005P V5.8 SN:03379314", reply)

	// The identification reply was consumed whole, so the next fixed-width
	// reply is not shifted.
	require.NoError(t, s.Write(ctx, "VSET1?"))
	b, err := s.ReadBytes(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "05.00", string(b))
}

func TestSerialNulTerminatedReply(t *testing.T) {
	addr, err := resource.Parse("ASRL8::INSTR")
	require.NoError(t, err)
	port := &fakePort{replies: map[string]string{"*IDN?": "KORAD KA3005P V2.0\x0005.00"}}
	s := NewSerial(addr, Settings{ReadTermination: "\x00", ReadIdle: time.Second, Timeout: 2 * time.Second})
	s.open = func(*serialConfig) (serialPort, error) { return port, nil }
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	start := time.Now()
	reply, err := s.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "KORAD KA3005P V2.0", reply)
	assert.Less(t, time.Since(start), time.Second, "terminator should end the read before the idle gap")

	b, err := s.ReadBytes(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "05.00", string(b))
}

func TestSerialReadWithoutTermination(t *testing.T) {
	addr, err := resource.Parse("ASRL8::INSTR")
	require.NoError(t, err)
	s := NewSerial(addr, Settings{})
	s.open = func(*serialConfig) (serialPort, error) { return &fakePort{}, nil }
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()
	_, err = s.Read(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSerialOpenFailure(t *testing.T) {
	addr, err := resource.Parse("ASRL8::INSTR")
	require.NoError(t, err)
	s := NewSerial(addr, Settings{})
	s.open = func(*serialConfig) (serialPort, error) { return nil, errors.New("no such device") }
	assert.ErrorIs(t, s.Open(context.Background()), ErrTransport)
	assert.NoError(t, s.Close())
}

// makeUSBTMC builds a fake sysfs entry for one usbtmc device.
func makeUSBTMC(t *testing.T, root, name, vid, pid, serial string) {
	t.Helper()
	dev := filepath.Join(root, "devices", "usb1", name+"-dev")
	iface := filepath.Join(dev, "1-1:1.0")
	require.NoError(t, os.MkdirAll(iface, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "idVendor"), []byte(vid+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "idProduct"), []byte(pid+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "serial"), []byte(serial+"\n"), 0o644))
	class := filepath.Join(root, "class", "usbmisc", name)
	require.NoError(t, os.MkdirAll(class, 0o755))
	require.NoError(t, os.Symlink(iface, filepath.Join(class, "device")))
}

func TestFindUSBTMC(t *testing.T) {
	root := t.TempDir()
	makeUSBTMC(t, root, "usbtmc0", "2ec7", "9115", "BK000001")
	makeUSBTMC(t, root, "usbtmc1", "1ab1", "0e11", "DP8C000002")

	addr, err := resource.Parse("USB0::0x1AB1::0x0E11::DP8C000002::INSTR")
	require.NoError(t, err)
	name, err := findUSBTMC(root, addr)
	require.NoError(t, err)
	assert.Equal(t, "usbtmc1", name)

	first, err := resource.Parse("USB0::INSTR")
	require.NoError(t, err)
	name, err = findUSBTMC(root, first)
	require.NoError(t, err)
	assert.Equal(t, "usbtmc0", name)

	missing, err := resource.Parse("USB0::0x1AB1::0x0E11::OTHER::INSTR")
	require.NoError(t, err)
	_, err = findUSBTMC(root, missing)
	assert.Error(t, err)
}
