//go:build !linux

package transport

import (
	"os"
	"time"
)

func setUSBTMCTimeout(*os.File, time.Duration) error { return nil }
