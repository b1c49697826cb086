package ubx

import (
	"bytes"
	"errors"
)

const maxBuffered = 4 * (MaxPayload + Overhead)

// Scanner extracts frames from an arbitrary byte stream. Bytes that are not
// part of a frame (NMEA text, line noise) are skipped.
type Scanner struct {
	buf []byte
}

// Write appends stream bytes. It never fails.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	if len(s.buf) > maxBuffered {
		s.buf = append(s.buf[:0], s.buf[len(s.buf)-maxBuffered:]...)
	}
	return len(p), nil
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. A corrupt frame is consumed and reported as ErrChecksumMismatch so
// the caller can decide whether to keep scanning.
func (s *Scanner) Next() (f Frame, ok bool, err error) {
	for {
		start := bytes.IndexByte(s.buf, Sync1)
		if start < 0 {
			s.buf = s.buf[:0]
			return Frame{}, false, nil
		}
		s.buf = s.buf[start:]
		if len(s.buf) < 2 {
			return Frame{}, false, nil
		}
		if s.buf[1] != Sync2 {
			s.buf = s.buf[1:]
			continue
		}

		frame, n, derr := decode(s.buf)
		switch {
		case derr == nil:
			s.buf = s.buf[n:]
			return frame, true, nil
		case errors.Is(derr, ErrTruncated):
			return Frame{}, false, nil
		case errors.Is(derr, ErrChecksumMismatch):
			s.buf = s.buf[2:]
			return Frame{}, false, derr
		default:
			// Sync pair inside unrelated data; resync past it.
			s.buf = s.buf[1:]
		}
	}
}

// Buffered reports how many unconsumed bytes are held.
func (s *Scanner) Buffered() int { return len(s.buf) }

func (s *Scanner) Reset() { s.buf = s.buf[:0] }
