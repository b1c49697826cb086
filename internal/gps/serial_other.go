//go:build !linux

package gps

import (
	"fmt"
	"time"
)

func openTermios(path string, baud int, readTimeout time.Duration) (Port, error) {
	return nil, fmt.Errorf("termios serial driver not supported on this platform; use driver %q", DriverPortable)
}
