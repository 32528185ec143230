package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/benchlab/dcps/internal/resource"
)

// USBTMC talks to a USB test-and-measurement class device through the
// kernel usbtmc driver (/dev/usbtmcN).
type USBTMC struct {
	addr     resource.Address
	settings Settings
	sysfs    string
	devDir   string

	mu   sync.Mutex
	f    *os.File
	path string
}

// NewUSBTMC returns an unopened USBTMC session.
func NewUSBTMC(addr resource.Address, s Settings) *USBTMC {
	return &USBTMC{addr: addr, settings: s.withDefaults(), sysfs: "/sys", devDir: "/dev"}
}

// Resource returns the USB resource string.
func (u *USBTMC) Resource() string { return u.addr.Raw }

// Open finds the device node matching the resource and opens it.
func (u *USBTMC) Open(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.f != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := findUSBTMC(u.sysfs, u.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, u.addr.Raw, err)
	}
	path := filepath.Join(u.devDir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrTransport, path, err)
	}
	if err := setUSBTMCTimeout(f, u.settings.Timeout); err != nil {
		u.settings.Logger.Warn("usbtmc timeout not applied", "device", path, "error", err)
	}
	u.f, u.path = f, path
	u.settings.Logger.Debug("usbtmc device opened", "resource", u.addr.Raw, "device", path)
	return nil
}

// Close closes the device node.
func (u *USBTMC) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.f == nil {
		return nil
	}
	err := u.f.Close()
	u.f = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrTransport, u.path, err)
	}
	return nil
}

// Write sends one command as a single USBTMC message.
func (u *USBTMC) Write(ctx context.Context, cmd string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.write(ctx, cmd)
}

// Read reads one message.
func (u *USBTMC) Read(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, err := u.read(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(b), u.settings.ReadTermination), nil
}

// Query writes cmd and reads the reply message.
func (u *USBTMC) Query(ctx context.Context, cmd string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.write(ctx, cmd); err != nil {
		return "", err
	}
	if err := sleep(ctx, u.settings.QueryDelay); err != nil {
		return "", wrapIOError(ctx, "query", u.addr.Raw, err)
	}
	b, err := u.read(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(b), u.settings.ReadTermination), nil
}

// ReadBytes reads one message and requires it to hold at least n bytes.
func (u *USBTMC) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, err := u.read(ctx)
	if err != nil {
		return nil, err
	}
	if len(b) < n {
		return nil, fmt.Errorf("%w: read %s: short message (%d of %d bytes)", ErrTransport, u.addr.Raw, len(b), n)
	}
	return b[:n], nil
}

func (u *USBTMC) write(ctx context.Context, cmd string) error {
	if u.f == nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, u.addr.Raw, errNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return wrapIOError(ctx, "write", u.addr.Raw, err)
	}
	if _, err := u.f.Write([]byte(cmd + u.settings.WriteTermination)); err != nil {
		return u.ioError(ctx, "write", err)
	}
	return nil
}

func (u *USBTMC) read(ctx context.Context) ([]byte, error) {
	if u.f == nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, u.addr.Raw, errNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapIOError(ctx, "read", u.addr.Raw, err)
	}
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := u.f.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return nil, u.ioError(ctx, "read", err)
		}
		// The driver ends a read at the end of a message.
		if n < len(buf) || (u.settings.ReadTermination != "" && strings.HasSuffix(string(out), u.settings.ReadTermination)) {
			return out, nil
		}
	}
}

func (u *USBTMC) ioError(ctx context.Context, op string, err error) error {
	if errors.Is(err, syscall.ETIMEDOUT) {
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, op, u.addr.Raw, err)
	}
	return wrapIOError(ctx, op, u.addr.Raw, err)
}

// findUSBTMC returns the usbtmc device name (e.g. "usbtmc0") whose USB
// vendor, product and serial match addr. An address without IDs matches the
// first device.
func findUSBTMC(sysfs string, addr resource.Address) (string, error) {
	classDir := filepath.Join(sysfs, "class", "usbmisc")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return "", fmt.Errorf("list usbtmc devices: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "usbtmc") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "", errors.New("no usbtmc devices present")
	}
	if addr.VendorID == 0 && addr.ProductID == 0 {
		return names[0], nil
	}
	for _, name := range names {
		iface, err := filepath.EvalSymlinks(filepath.Join(classDir, name, "device"))
		if err != nil {
			continue
		}
		dev := filepath.Dir(iface)
		vid, err1 := readHexAttr(filepath.Join(dev, "idVendor"))
		pid, err2 := readHexAttr(filepath.Join(dev, "idProduct"))
		if err1 != nil || err2 != nil || vid != addr.VendorID || pid != addr.ProductID {
			continue
		}
		if addr.Serial != "" {
			serial, err := os.ReadFile(filepath.Join(dev, "serial"))
			if err != nil || strings.TrimSpace(string(serial)) != addr.Serial {
				continue
			}
		}
		return name, nil
	}
	return "", fmt.Errorf("no usbtmc device %04x:%04x serial %q", addr.VendorID, addr.ProductID, addr.Serial)
}

func readHexAttr(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
