package gps

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the byte link to the receiver. Read must return (0, nil) when no
// data arrived within the port's read timeout, so the owner loop never blocks
// indefinitely. Only the owner loop touches a Port.
type Port interface {
	io.Reader
	io.Writer
	// ResetInput discards bytes received but not yet read.
	ResetInput() error
	Close() error
}

const (
	DriverTermios  = "termios"
	DriverPortable = "portable"
)

// OpenPort opens cfg.Device with the configured driver. An empty device is
// auto-detected from the usual USB serial names.
func OpenPort(cfg Config) (Port, error) {
	dev := strings.TrimSpace(cfg.Device)
	if dev == "" {
		dev = autoDetectDevice()
		if dev == "" {
			return nil, fmt.Errorf("no serial device found (tried /dev/ttyACM* and /dev/ttyUSB*)")
		}
	}
	switch driverFor(cfg.Driver) {
	case DriverTermios:
		return openTermios(dev, cfg.Baud, cfg.ReadTimeout)
	case DriverPortable:
		return openPortable(dev, cfg.Baud, cfg.ReadTimeout)
	default:
		return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
	}
}

func driverFor(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" {
		return name
	}
	if runtime.GOOS == "linux" {
		return DriverTermios
	}
	return DriverPortable
}

// portablePort wraps go.bug.st/serial for platforms without the termios driver.
type portablePort struct {
	serial.Port
}

func openPortable(dev string, baud int, readTimeout time.Duration) (Port, error) {
	p, err := serial.Open(dev, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dev, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", dev, err)
	}
	return portablePort{Port: p}, nil
}

func (p portablePort) ResetInput() error { return p.ResetInputBuffer() }

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
