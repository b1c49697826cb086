package gps

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lishine/esp-sub000/internal/ubx"
)

// fakePort is a scripted receiver. respond sees every decodable frame written
// and returns the bytes the receiver sends back; it may block to simulate a
// slow device.
type fakePort struct {
	mu      sync.Mutex
	rx      []byte
	writes  []ubx.Frame
	resets  int
	readErr error
	closed  bool
	respond func(ubx.Frame) []byte
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.rx) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	f, err := ubx.Decode(b)
	p.mu.Lock()
	if err == nil {
		p.writes = append(p.writes, f)
	}
	respond := p.respond
	p.mu.Unlock()
	if err == nil && respond != nil {
		if reply := respond(f); len(reply) > 0 {
			p.push(reply)
		}
	}
	return len(b), nil
}

func (p *fakePort) ResetInput() error {
	p.mu.Lock()
	p.resets++
	p.rx = nil
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) push(b []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, b...)
	p.mu.Unlock()
}

func (p *fakePort) written() []ubx.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ubx.Frame(nil), p.writes...)
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func (r *sleepRecorder) got() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.calls...)
}

func testConfig() Config {
	return Config{
		Device:      "/dev/fake",
		ReadTimeout: 5 * time.Millisecond,
		IdleSleep:   time.Millisecond,
		Command: CommandConfig{
			Timeout:       50 * time.Millisecond,
			MaxRetries:    3,
			BackoffBase:   200 * time.Millisecond,
			BackoffMax:    time.Second,
			BackoffJitter: 0,
		},
	}
}

type harness struct {
	svc    *Service
	port   *fakePort
	sleeps *sleepRecorder
	cancel context.CancelFunc
	done   chan error
}

// startService runs a Service against fp until the test ends.
func startService(t *testing.T, fp *fakePort, cfg Config, opts ...Option) *harness {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{WithPortOpener(func(Config) (Port, error) { return fp, nil })}, opts...)
	svc := New(cfg, opts...)
	svc.sleep = rec.sleep

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, port: fp, sleeps: rec, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- svc.Run(ctx) }()
	waitFor(t, "owner loop running", svc.Running)
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("owner loop did not stop")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustEncode(t *testing.T, class, id byte, payload []byte) []byte {
	t.Helper()
	b, err := ubx.Encode(class, id, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func ackFor(t *testing.T, f ubx.Frame) []byte {
	return mustEncode(t, ubx.ClassACK, ubx.IDAckAck, []byte{f.Class, f.ID})
}

func nakFor(t *testing.T, f ubx.Frame) []byte {
	return mustEncode(t, ubx.ClassACK, ubx.IDAckNak, []byte{f.Class, f.ID})
}

func rateReply(t *testing.T, ms uint16) []byte {
	return mustEncode(t, ubx.ClassCFG, ubx.IDCfgRate, ubx.CfgRate{MeasRateMs: ms, NavRate: 1, TimeRef: ubx.TimeRefGPS}.Payload())
}

func isPoll(f ubx.Frame) bool {
	return f.Class == ubx.ClassCFG && f.ID == ubx.IDCfgRate && len(f.Payload) == 0
}

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, ck)
}
