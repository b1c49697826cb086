package gps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/lishine/esp-sub000/internal/observability"
	"github.com/lishine/esp-sub000/internal/ubx"
)

// Response names the frame a command waits for.
type Response struct {
	Class byte
	ID    byte
}

// Ack is the acknowledgement response. An ACK only matches when its payload
// names the request's class and id.
var Ack = &Response{Class: ubx.ClassACK, ID: ubx.IDAckAck}

// CommandRequest is one UBX command session. A nil Expect means write-only.
// Zero Timeout or MaxRetries take the service defaults. MaxRetries counts
// total attempts.
type CommandRequest struct {
	Frame      ubx.Frame
	Expect     *Response
	Timeout    time.Duration
	MaxRetries int
}

// CommandConfig holds the defaults for command sessions.
type CommandConfig struct {
	Timeout    time.Duration
	MaxRetries int
	// BackoffBase doubles per retry up to BackoffMax. BackoffJitter is the
	// randomization factor (0 gives exact delays).
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64
}

// exchange is what a job gets while it holds the port. It is only used from
// the owner loop goroutine.
type exchange struct {
	ctx     context.Context
	op      string
	port    Port
	cfg     CommandConfig
	log     zerolog.Logger
	metrics *observability.GPSCollector
	now     func() time.Time
	sleep   func(context.Context, time.Duration) bool

	scan ubx.Scanner
	buf  []byte
}

// Run performs req with retries and returns the matching response frame, or
// nil for a write-only request.
func (x *exchange) Run(req CommandRequest) (*ubx.Frame, error) {
	if req.Timeout <= 0 {
		req.Timeout = x.cfg.Timeout
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = x.cfg.MaxRetries
	}
	if req.MaxRetries < 1 {
		req.MaxRetries = 1
	}
	raw := req.Frame.Bytes()
	msg := fmt.Sprintf("%02X-%02X", req.Frame.Class, req.Frame.ID)
	fail := func(attempts int, kind, cause error) error {
		return &CommandError{Op: x.op, Class: req.Frame.Class, ID: req.Frame.ID, Attempts: attempts, Err: kind, Cause: cause}
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     x.cfg.BackoffBase,
		RandomizationFactor: x.cfg.BackoffJitter,
		Multiplier:          2,
		MaxInterval:         x.cfg.BackoffMax,
	}
	bo.Reset()

	var last error
	for attempt := 1; attempt <= req.MaxRetries; attempt++ {
		f, err := x.attempt(req, raw)
		switch {
		case err == nil:
			x.metrics.ObserveAttempt(msg, "ok")
			return f, nil
		case errors.Is(err, ErrRejected):
			x.metrics.ObserveAttempt(msg, "rejected")
			return nil, fail(attempt, ErrRejected, nil)
		}
		var le linkError
		if errors.As(err, &le) {
			x.metrics.ObserveAttempt(msg, "unavailable")
			return nil, fail(attempt, ErrChannelUnavailable, le.err)
		}
		if errors.Is(err, ubx.ErrChecksumMismatch) {
			x.metrics.ObserveAttempt(msg, "corrupt")
		} else {
			x.metrics.ObserveAttempt(msg, "no_response")
		}
		last = err
		if attempt == req.MaxRetries {
			break
		}
		delay := bo.NextBackOff()
		x.log.Warn().Str("op", x.op).Str("msg", msg).Int("attempt", attempt).
			Dur("backoff", delay).Err(err).Msg("ubx command attempt failed; retrying")
		x.metrics.ObserveRetry(delay)
		if !x.sleep(x.ctx, delay) {
			return nil, fail(attempt, ErrChannelUnavailable, x.ctx.Err())
		}
	}

	var cause error
	if errors.Is(last, ubx.ErrChecksumMismatch) {
		cause = last
	}
	return nil, fail(req.MaxRetries, ErrNoResponse, cause)
}

// attempt is a single drain, write, await cycle.
func (x *exchange) attempt(req CommandRequest, raw []byte) (*ubx.Frame, error) {
	if err := x.port.ResetInput(); err != nil {
		return nil, linkError{fmt.Errorf("reset input: %w", err)}
	}
	x.scan.Reset()

	if err := writeFull(x.port, raw); err != nil {
		return nil, linkError{fmt.Errorf("write: %w", err)}
	}
	if req.Expect == nil {
		return nil, nil
	}

	deadline := x.now().Add(req.Timeout)
	for x.now().Before(deadline) {
		if err := x.ctx.Err(); err != nil {
			return nil, linkError{err}
		}
		n, err := x.port.Read(x.buf)
		if err != nil {
			return nil, linkError{fmt.Errorf("read: %w", err)}
		}
		if n == 0 {
			continue
		}
		_, _ = x.scan.Write(x.buf[:n])
		for {
			f, ok, err := x.scan.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if matches(req, raw, f) {
				return &f, nil
			}
			if ubx.IsNak(f, req.Frame.Class, req.Frame.ID) {
				return nil, ErrRejected
			}
			x.log.Debug().Str("op", x.op).Stringer("frame", f).Msg("discarding unrelated ubx frame")
		}
	}
	return nil, ErrNoResponse
}

// linkError marks a failure of the port itself or of the owner loop's
// lifetime. Such attempts are not retried.
type linkError struct{ err error }

func (e linkError) Error() string { return e.err.Error() }

func (e linkError) Unwrap() error { return e.err }

func matches(req CommandRequest, raw []byte, f ubx.Frame) bool {
	if req.Expect.Class == ubx.ClassACK && req.Expect.ID == ubx.IDAckAck {
		return ubx.IsAck(f, req.Frame.Class, req.Frame.ID)
	}
	if f.Class != req.Expect.Class || f.ID != req.Expect.ID {
		return false
	}
	// A looped-back copy of a poll has the same class and id.
	return !bytes.Equal(f.Bytes(), raw)
}

func writeFull(p Port, b []byte) error {
	for len(b) > 0 {
		n, err := p.Write(b)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("short write")
		}
		b = b[n:]
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
