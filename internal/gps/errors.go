package gps

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse: the receiver did not answer within the deadline on any attempt.
	ErrNoResponse = errors.New("gps: no response from receiver")
	// ErrChannelBusy: the owner loop did not accept or finish the request in time.
	ErrChannelBusy = errors.New("gps: channel busy")
	// ErrChannelUnavailable: the owner loop is not running or the link failed.
	ErrChannelUnavailable = errors.New("gps: channel unavailable")
	// ErrRejected: the receiver answered with ACK-NAK.
	ErrRejected = errors.New("gps: command rejected by receiver")
	// ErrInvalidRate: the requested rate failed validation; no I/O happened.
	ErrInvalidRate = errors.New("gps: invalid rate")
)

// CommandError describes a failed command session. Err is one of the
// sentinels above; Cause, when set, is the underlying failure.
type CommandError struct {
	Op       string
	Class    byte
	ID       byte
	Attempts int
	Err      error
	Cause    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s", e.Err)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Class != 0 || e.ID != 0 {
		msg += fmt.Sprintf(" (msg %02X-%02X", e.Class, e.ID)
		if e.Attempts > 0 {
			msg += fmt.Sprintf(", attempts=%d", e.Attempts)
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// ConfigError is returned by the configuration operations.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return "gps " + e.Op + ": " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }
