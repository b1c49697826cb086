//go:build linux

package gps

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// termiosPort drives the tty directly. VMIN=0 with VTIME set makes read(2)
// return 0 bytes after the timeout instead of blocking.
type termiosPort struct {
	fd   int
	path string
}

func openTermios(path string, baud int, readTimeout time.Duration) (Port, error) {
	flag := unix.O_RDWR | unix.O_NOCTTY
	fd, err := unix.Open(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("get termios %s: %w", path, err)
	}

	spd, err := baudToUnix(baud)
	if err != nil {
		return nil, err
	}

	// Raw mode: both NMEA text and binary UBX frames must pass untouched.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = vtime(readTimeout)

	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, fmt.Errorf("set termios %s: %w", path, err)
	}
	ok = true
	return &termiosPort{fd: fd, path: path}, nil
}

func (p *termiosPort) Read(b []byte) (int, error) {
	n, err := unix.Read(p.fd, b)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", p.path, err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (p *termiosPort) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := unix.Write(p.fd, b[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return written, fmt.Errorf("write %s: %w", p.path, err)
		}
		written += n
	}
	return written, nil
}

func (p *termiosPort) ResetInput() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH)
}

func (p *termiosPort) Close() error {
	return unix.Close(p.fd)
}

// vtime converts a read timeout to tenths of a second, clamped to what the
// termios field can hold. Zero would make reads fully non-blocking.
func vtime(d time.Duration) uint8 {
	ds := d / (100 * time.Millisecond)
	if ds < 1 {
		ds = 1
	}
	if ds > 255 {
		ds = 255
	}
	return uint8(ds)
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}
