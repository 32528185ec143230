//go:build linux

package transport

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// USBTMC_IOCTL_SET_TIMEOUT, _IOW('[', 10, __u32).
const usbtmcIoctlSetTimeout = 0x40045B0A

func setUSBTMCTimeout(f *os.File, d time.Duration) error {
	return unix.IoctlSetPointerInt(int(f.Fd()), usbtmcIoctlSetTimeout, int(d.Milliseconds()))
}
