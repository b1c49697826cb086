package ubx

import (
	"errors"
	"fmt"
)

const (
	Sync1 = 0xB5
	Sync2 = 0x62

	// headerLen covers sync(2) + class + id + len(2).
	headerLen = 6
	// Overhead is the number of non-payload bytes in an encoded frame.
	Overhead = headerLen + 2

	// MaxPayload bounds the payload length accepted by the codec. Receiver
	// configuration messages stay well below this; larger declared lengths on
	// the wire are treated as framing garbage.
	MaxPayload = 1024
)

// Message classes and IDs used by the configuration protocol.
const (
	ClassNAV = 0x01
	ClassACK = 0x05
	ClassCFG = 0x06
	ClassMON = 0x0A

	IDAckNak = 0x00
	IDAckAck = 0x01

	IDCfgRate = 0x08
	IDCfgCfg  = 0x09
)

var (
	ErrTruncated        = errors.New("ubx: truncated frame")
	ErrChecksumMismatch = errors.New("ubx: checksum mismatch")
	ErrBadSync          = errors.New("ubx: missing sync bytes")
	ErrPayloadTooLarge  = errors.New("ubx: payload too large")
	ErrBadPayload       = errors.New("ubx: unexpected payload")
)

// Frame is one decoded UBX message. Frames returned by this package are not
// modified afterwards; Payload must be treated as read-only.
type Frame struct {
	Class    byte
	ID       byte
	Payload  []byte
	Checksum uint16
}

// NewFrame builds a frame and computes its checksum.
func NewFrame(class, id byte, payload []byte) (Frame, error) {
	if len(payload) > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	p := append([]byte(nil), payload...)
	a, b := Checksum(checksumInput(class, id, p))
	return Frame{Class: class, ID: id, Payload: p, Checksum: uint16(a) | uint16(b)<<8}, nil
}

// Bytes returns the wire encoding of f. The checksum is recomputed so a
// hand-built Frame literal still encodes correctly.
func (f Frame) Bytes() []byte {
	n := len(f.Payload)
	out := make([]byte, 0, Overhead+n)
	out = append(out, Sync1, Sync2, f.Class, f.ID, byte(n), byte(n>>8))
	out = append(out, f.Payload...)
	a, b := Checksum(out[2:])
	return append(out, a, b)
}

func (f Frame) String() string {
	return fmt.Sprintf("%02X-%02X len=%d", f.Class, f.ID, len(f.Payload))
}

// Encode returns sync(2) ++ class ++ id ++ len_le(2) ++ payload ++ ck_a ++ ck_b.
func Encode(class, id byte, payload []byte) ([]byte, error) {
	f, err := NewFrame(class, id, payload)
	if err != nil {
		return nil, err
	}
	return f.Bytes(), nil
}

// Decode parses one frame from the start of b. Bytes after the frame are
// ignored; use Scanner for streams.
func Decode(b []byte) (Frame, error) {
	f, _, err := decode(b)
	return f, err
}

func decode(b []byte) (Frame, int, error) {
	if len(b) < 2 {
		return Frame{}, 0, ErrTruncated
	}
	if b[0] != Sync1 || b[1] != Sync2 {
		return Frame{}, 0, ErrBadSync
	}
	if len(b) < headerLen {
		return Frame{}, 0, ErrTruncated
	}
	n := int(b[4]) | int(b[5])<<8
	if n > MaxPayload {
		return Frame{}, 0, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, n)
	}
	total := Overhead + n
	if len(b) < total {
		return Frame{}, 0, ErrTruncated
	}
	a, ck := Checksum(b[2 : headerLen+n])
	if a != b[headerLen+n] || ck != b[headerLen+n+1] {
		return Frame{}, total, ErrChecksumMismatch
	}
	return Frame{
		Class:    b[2],
		ID:       b[3],
		Payload:  append([]byte(nil), b[headerLen:headerLen+n]...),
		Checksum: uint16(a) | uint16(ck)<<8,
	}, total, nil
}

// Checksum computes the 8-bit Fletcher pair over data. Callers pass
// class ++ id ++ len ++ payload, never the sync bytes.
func Checksum(data []byte) (a, b byte) {
	for _, c := range data {
		a += c
		b += a
	}
	return a, b
}

func checksumInput(class, id byte, payload []byte) []byte {
	n := len(payload)
	out := make([]byte, 0, 4+n)
	out = append(out, class, id, byte(n), byte(n>>8))
	return append(out, payload...)
}

// IsAck reports whether f is an ACK-ACK for the given request class/id.
func IsAck(f Frame, class, id byte) bool {
	return f.Class == ClassACK && f.ID == IDAckAck && refersTo(f, class, id)
}

// IsNak reports whether f is an ACK-NAK for the given request class/id.
func IsNak(f Frame, class, id byte) bool {
	return f.Class == ClassACK && f.ID == IDAckNak && refersTo(f, class, id)
}

func refersTo(f Frame, class, id byte) bool {
	return len(f.Payload) >= 2 && f.Payload[0] == class && f.Payload[1] == id
}
