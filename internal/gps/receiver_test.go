package gps

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lishine/esp-sub000/internal/ubx"
)

func TestSetRate_AppliedAndPersisted(t *testing.T) {
	fp := &fakePort{}
	rateAck := mustEncode(t, ubx.ClassACK, ubx.IDAckAck, []byte{ubx.ClassCFG, ubx.IDCfgRate})
	cfgAck := mustEncode(t, ubx.ClassACK, ubx.IDAckAck, []byte{ubx.ClassCFG, ubx.IDCfgCfg})
	fp.respond = func(f ubx.Frame) []byte {
		if f.ID == ubx.IDCfgRate {
			return rateAck
		}
		return cfgAck
	}
	h := startService(t, fp, testConfig())

	outcome, err := h.svc.SetRate(context.Background(), 2)
	if err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if outcome != RateAppliedAndPersisted {
		t.Fatalf("outcome=%v", outcome)
	}
	w := fp.written()
	if len(w) != 2 {
		t.Fatalf("writes=%v", w)
	}
	wantRate := []byte{0xF4, 0x01, 0x01, 0x00, 0x01, 0x00}
	if w[0].ID != ubx.IDCfgRate || !bytes.Equal(w[0].Payload, wantRate) {
		t.Fatalf("rate frame=%v payload % X", w[0], w[0].Payload)
	}
	if w[1].ID != ubx.IDCfgCfg || !bytes.Equal(w[1].Payload, ubx.SaveAll().Payload()) {
		t.Fatalf("persist frame=%v", w[1])
	}
}

func TestSetRate_PersistTimeoutStillApplied(t *testing.T) {
	fp := &fakePort{}
	rateAck := mustEncode(t, ubx.ClassACK, ubx.IDAckAck, []byte{ubx.ClassCFG, ubx.IDCfgRate})
	fp.respond = func(f ubx.Frame) []byte {
		if f.ID == ubx.IDCfgRate {
			return rateAck
		}
		return nil
	}
	h := startService(t, fp, testConfig())

	outcome, err := h.svc.SetRate(context.Background(), 5)
	if err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if outcome != RateAppliedNotPersisted {
		t.Fatalf("outcome=%v", outcome)
	}
	if got := len(fp.written()); got != 1+3 {
		t.Fatalf("writes=%d want 4 (rate + 3 persist attempts)", got)
	}
}

func TestQueryRate_ReportsHz(t *testing.T) {
	fp := &fakePort{}
	reply := rateReply(t, 500)
	fp.respond = func(f ubx.Frame) []byte {
		if isPoll(f) {
			return reply
		}
		return nil
	}
	h := startService(t, fp, testConfig())

	rc, err := h.svc.QueryRate(context.Background())
	if err != nil {
		t.Fatalf("QueryRate: %v", err)
	}
	if rc.MeasurementRateMs != 500 || rc.RateHz() != 2 {
		t.Fatalf("rate=%+v hz=%v", rc, rc.RateHz())
	}
	if rc.NavigationRate != 1 || rc.TimeReference != ubx.TimeRefGPS {
		t.Fatalf("rate=%+v", rc)
	}
}

func TestQueryRate_CorruptReplyIsRetried(t *testing.T) {
	fp := &fakePort{}
	good := rateReply(t, 200)
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF
	var calls atomic.Int32
	fp.respond = func(f ubx.Frame) []byte {
		if calls.Add(1) == 1 {
			return bad
		}
		return good
	}
	h := startService(t, fp, testConfig())

	rc, err := h.svc.QueryRate(context.Background())
	if err != nil {
		t.Fatalf("QueryRate: %v", err)
	}
	if rc.RateHz() != 5 {
		t.Fatalf("hz=%v", rc.RateHz())
	}
	if got := h.sleeps.got(); !reflect.DeepEqual(got, []time.Duration{200 * time.Millisecond}) {
		t.Fatalf("backoffs=%v", got)
	}
}

func TestSetRate_NoResponseRetriesWithBackoff(t *testing.T) {
	fp := &fakePort{}
	h := startService(t, fp, testConfig())

	outcome, err := h.svc.SetRate(context.Background(), 2)
	if outcome != RateNotApplied {
		t.Fatalf("outcome=%v", outcome)
	}
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err=%v want ErrNoResponse", err)
	}
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Attempts != 3 || ce.Class != ubx.ClassCFG || ce.ID != ubx.IDCfgRate {
		t.Fatalf("command error=%+v", ce)
	}
	if got := len(fp.written()); got != 3 {
		t.Fatalf("writes=%d want 3", got)
	}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if got := h.sleeps.got(); !reflect.DeepEqual(got, want) {
		t.Fatalf("backoffs=%v want %v", got, want)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := testConfig()
	cfg.Command.MaxRetries = 6
	cfg.Command.Timeout = 10 * time.Millisecond
	h := startService(t, &fakePort{}, cfg)

	if _, err := h.svc.QueryRate(context.Background()); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err=%v", err)
	}
	want := []time.Duration{
		200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond,
		time.Second, time.Second,
	}
	if got := h.sleeps.got(); !reflect.DeepEqual(got, want) {
		t.Fatalf("backoffs=%v want %v", got, want)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	const (
		retries = 7
		jitter  = 0.2
		runs    = 3
	)
	cfg := testConfig()
	cfg.Command.MaxRetries = retries
	cfg.Command.Timeout = 10 * time.Millisecond
	cfg.Command.BackoffJitter = jitter
	h := startService(t, &fakePort{}, cfg)

	for i := 0; i < runs; i++ {
		if _, err := h.svc.QueryRate(context.Background()); !errors.Is(err, ErrNoResponse) {
			t.Fatalf("run %d: err=%v", i, err)
		}
	}
	got := h.sleeps.got()
	if len(got) != runs*(retries-1) {
		t.Fatalf("backoffs=%d want %d", len(got), runs*(retries-1))
	}

	base, ceiling := cfg.Command.BackoffBase, cfg.Command.BackoffMax
	for run := 0; run < runs; run++ {
		delays := got[run*(retries-1) : (run+1)*(retries-1)]
		nominal := base
		for k, d := range delays {
			lo := time.Duration(float64(nominal) * (1 - jitter))
			hi := time.Duration(float64(nominal)*(1+jitter)) + time.Nanosecond
			if d < lo || d > hi {
				t.Fatalf("run %d attempt %d: backoff %v outside [%v, %v]", run, k+1, d, lo, hi)
			}
			// Below the cap the nominal delay doubles, and with jitter under
			// 1/3 the ranges cannot overlap.
			if k > 0 && nominal < ceiling && d <= delays[k-1] {
				t.Fatalf("run %d: backoff %v did not grow from %v", run, d, delays[k-1])
			}
			if nominal*2 < ceiling {
				nominal *= 2
			} else {
				nominal = ceiling
			}
		}
	}
}

func TestSetRate_RejectedIsNotRetried(t *testing.T) {
	fp := &fakePort{}
	nak := mustEncode(t, ubx.ClassACK, ubx.IDAckNak, []byte{ubx.ClassCFG, ubx.IDCfgRate})
	fp.respond = func(ubx.Frame) []byte { return nak }
	h := startService(t, fp, testConfig())

	_, err := h.svc.SetRate(context.Background(), 1)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err=%v want ErrRejected", err)
	}
	if got := len(fp.written()); got != 1 {
		t.Fatalf("writes=%d want 1", got)
	}
}

func TestAckForOtherMessageDoesNotMatch(t *testing.T) {
	fp := &fakePort{}
	wrong := mustEncode(t, ubx.ClassACK, ubx.IDAckAck, []byte{ubx.ClassCFG, ubx.IDCfgCfg})
	fp.respond = func(ubx.Frame) []byte { return wrong }
	cfg := testConfig()
	cfg.Command.MaxRetries = 1
	h := startService(t, fp, cfg)

	if _, err := h.svc.SetRate(context.Background(), 1); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err=%v want ErrNoResponse", err)
	}
}

func TestValidateRate(t *testing.T) {
	s := New(Config{})
	for _, hz := range []uint16{1, 2, 4, 5, 8, 10} {
		rc, err := s.ValidateRate(hz)
		if err != nil {
			t.Fatalf("%d Hz: %v", hz, err)
		}
		if uint32(rc.MeasurementRateMs)*uint32(hz) != 1000 {
			t.Fatalf("%d Hz: meas=%d", hz, rc.MeasurementRateMs)
		}
	}
	for _, hz := range []uint16{0, 3, 6, 7, 9, 11, 20} {
		if _, err := s.ValidateRate(hz); !errors.Is(err, ErrInvalidRate) {
			t.Fatalf("%d Hz: err=%v want ErrInvalidRate", hz, err)
		}
	}
}

func TestSetRate_InvalidRateDoesNoIO(t *testing.T) {
	fp := &fakePort{}
	h := startService(t, fp, testConfig())

	outcome, err := h.svc.SetRate(context.Background(), 3)
	if !errors.Is(err, ErrInvalidRate) || outcome != RateNotApplied {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Op != "set_rate" {
		t.Fatalf("err=%#v", err)
	}
	if got := len(fp.written()); got != 0 {
		t.Fatalf("writes=%d want 0", got)
	}
}

func TestFactoryReset(t *testing.T) {
	t.Run("Confirmed", func(t *testing.T) {
		fp := &fakePort{}
		ack := mustEncode(t, ubx.ClassACK, ubx.IDAckAck, []byte{ubx.ClassCFG, ubx.IDCfgCfg})
		fp.respond = func(ubx.Frame) []byte { return ack }
		h := startService(t, fp, testConfig())

		outcome, err := h.svc.FactoryReset(context.Background())
		if err != nil || outcome != ResetConfirmed {
			t.Fatalf("outcome=%v err=%v", outcome, err)
		}
		w := fp.written()
		if len(w) != 1 || !bytes.Equal(w[0].Payload, ubx.FactoryDefaults().Payload()) {
			t.Fatalf("writes=%v", w)
		}
	})
	t.Run("NoAckIsLikelyApplied", func(t *testing.T) {
		fp := &fakePort{}
		h := startService(t, fp, testConfig())

		outcome, err := h.svc.FactoryReset(context.Background())
		if err != nil || outcome != ResetLikelyAppliedNoConfirmation {
			t.Fatalf("outcome=%v err=%v", outcome, err)
		}
		if got := len(fp.written()); got != 1 {
			t.Fatalf("writes=%d want a single attempt", got)
		}
		if got := h.sleeps.got(); len(got) != 0 {
			t.Fatalf("backoffs=%v want none", got)
		}
	})
	t.Run("Rejected", func(t *testing.T) {
		fp := &fakePort{}
		nak := mustEncode(t, ubx.ClassACK, ubx.IDAckNak, []byte{ubx.ClassCFG, ubx.IDCfgCfg})
		fp.respond = func(ubx.Frame) []byte { return nak }
		h := startService(t, fp, testConfig())

		outcome, err := h.svc.FactoryReset(context.Background())
		if !errors.Is(err, ErrRejected) || outcome != ResetFailed {
			t.Fatalf("outcome=%v err=%v", outcome, err)
		}
	})
}

func TestSubmit_WriteOnly(t *testing.T) {
	fp := &fakePort{}
	h := startService(t, fp, testConfig())

	f, err := ubx.NewFrame(ubx.ClassCFG, ubx.IDCfgRate, nil)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	resp, err := h.svc.Submit(context.Background(), CommandRequest{Frame: f})
	if err != nil || resp != nil {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
	if got := len(fp.written()); got != 1 {
		t.Fatalf("writes=%d", got)
	}
}

func TestOutcomeText(t *testing.T) {
	b, _ := RateAppliedNotPersisted.MarshalText()
	if string(b) != "applied_not_persisted" {
		t.Fatalf("got %q", b)
	}
	b, _ = ResetLikelyAppliedNoConfirmation.MarshalText()
	if string(b) != "likely_applied_no_confirmation" {
		t.Fatalf("got %q", b)
	}
}
