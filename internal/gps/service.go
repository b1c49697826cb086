package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lishine/esp-sub000/internal/observability"
	"github.com/lishine/esp-sub000/internal/sentence"
)

// Config controls the serial link and the owner loop.
//
// The u-blox receivers this targets usually appear as /dev/ttyACM* or
// /dev/ttyUSB* and talk NMEA at 9600 baud until reconfigured. Device may be
// empty to auto-detect.
type Config struct {
	Device string
	Baud   int
	// Driver is "termios" or "portable". Empty picks termios on Linux.
	Driver string

	// ReadTimeout bounds a single port read; it is also how often the loop
	// checks for queued requests while bytes are flowing.
	ReadTimeout time.Duration
	// IdleSleep is the pause after a read returned nothing.
	IdleSleep time.Duration

	QueueDepth int
	// SubmitTimeout bounds the wait for queue space.
	SubmitTimeout time.Duration
	// CompletionTimeout bounds the wait for a queued request to finish.
	// Zero derives it from the command settings.
	CompletionTimeout time.Duration

	// StaleAfter marks the fix stale when no sentence arrived for this long.
	StaleAfter time.Duration

	MinRateHz uint16
	MaxRateHz uint16

	Command CommandConfig
}

// DefaultConfig returns the settings used for any zero field.
func DefaultConfig() Config {
	return Config{
		Baud:          9600,
		ReadTimeout:   100 * time.Millisecond,
		IdleSleep:     10 * time.Millisecond,
		QueueDepth:    8,
		SubmitTimeout: time.Second,
		StaleAfter:    5 * time.Second,
		MinRateHz:     1,
		MaxRateHz:     10,
		Command: CommandConfig{
			Timeout:       time.Second,
			MaxRetries:    3,
			BackoffBase:   200 * time.Millisecond,
			BackoffMax:    time.Second,
			BackoffJitter: 0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Baud <= 0 {
		c.Baud = d.Baud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.IdleSleep < 0 {
		c.IdleSleep = 0
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MinRateHz == 0 {
		c.MinRateHz = d.MinRateHz
	}
	if c.MaxRateHz == 0 {
		c.MaxRateHz = d.MaxRateHz
	}
	if c.Command.Timeout <= 0 {
		c.Command.Timeout = d.Command.Timeout
	}
	if c.Command.MaxRetries <= 0 {
		c.Command.MaxRetries = d.Command.MaxRetries
	}
	if c.Command.BackoffBase <= 0 {
		c.Command.BackoffBase = d.Command.BackoffBase
	}
	if c.Command.BackoffMax < c.Command.BackoffBase {
		c.Command.BackoffMax = max(d.Command.BackoffMax, c.Command.BackoffBase)
	}
	if c.Command.BackoffJitter < 0 || c.Command.BackoffJitter >= 1 {
		c.Command.BackoffJitter = d.Command.BackoffJitter
	}
	if c.CompletionTimeout <= 0 {
		// Worst case is set_rate: two sessions, each with every attempt timing
		// out and a maximal backoff between attempts.
		perSession := time.Duration(c.Command.MaxRetries) * (c.Command.Timeout + c.Command.BackoffMax)
		c.CompletionTimeout = 2*perSession + c.SubmitTimeout
	}
	return c
}

// Stats are cumulative counters since the service was created.
type Stats struct {
	Sentences uint64 `json:"sentences"`
	Corrupt   uint64 `json:"corrupt"`
	Malformed uint64 `json:"malformed"`
	Ignored   uint64 `json:"ignored"`
	Overflows uint64 `json:"overflows"`
	Commands  uint64 `json:"commands"`
}

// Status is a point-in-time view for the web layer.
type Status struct {
	Running   bool
	Device    string
	Fix       Fix
	Stale     bool
	FixAge    time.Duration
	Stats     Stats
	LastError string
}

// Service owns the serial port. Exactly one goroutine, the one inside Run,
// reads and writes the port; everything else talks to it through requests.
type Service struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.GPSCollector
	open    func(Config) (Port, error)
	now     func() time.Time
	sleep   func(context.Context, time.Duration) bool
	onFix   func(Fix)

	state State

	sentences atomic.Uint64
	corrupt   atomic.Uint64
	malformed atomic.Uint64
	ignored   atomic.Uint64
	overflows atomic.Uint64
	commands  atomic.Uint64

	lastErr atomic.Value // string

	runMu sync.Mutex
	cur   atomic.Pointer[loop]
}

// loop is one Run lifetime. done closes when the owner goroutine stops.
type loop struct {
	jobs chan *job
	done chan struct{}
}

type job struct {
	op     string
	ctx    context.Context
	fn     func(*exchange) error
	result chan error
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *observability.GPSCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPortOpener replaces OpenPort, mostly for tests.
func WithPortOpener(open func(Config) (Port, error)) Option {
	return func(s *Service) { s.open = open }
}

// WithFixHook is called from the owner loop after every applied sentence.
// It must not block.
func WithFixHook(fn func(Fix)) Option { return func(s *Service) { s.onFix = fn } }

func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg.withDefaults(),
		log:   zerolog.Nop(),
		open:  OpenPort,
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastErr.Store("")
	return s
}

func (s *Service) Config() Config { return s.cfg }

// Run opens the port and runs the owner loop until ctx is cancelled (nil
// error) or the port fails. Requests still queued when it returns fail with
// ErrChannelUnavailable. Run may be called again after it returns.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if !s.runMu.TryLock() {
		return fmt.Errorf("gps owner loop already running")
	}
	defer s.runMu.Unlock()

	port, err := s.open(s.cfg)
	if err != nil {
		s.setError(err)
		return fmt.Errorf("gps open: %w", err)
	}
	defer port.Close()

	l := &loop{jobs: make(chan *job, s.cfg.QueueDepth), done: make(chan struct{})}
	s.cur.Store(l)
	s.metrics.SetOwnerLoopUp(true)
	s.log.Info().Str("device", s.cfg.Device).Int("baud", s.cfg.Baud).Msg("gps owner loop started")

	err = s.run(ctx, port, l)

	s.cur.CompareAndSwap(l, nil)
	close(l.done)
	s.failQueued(l)
	s.metrics.SetOwnerLoopUp(false)
	s.metrics.SetQueueDepth(0)
	if err != nil {
		s.setError(err)
		s.log.Error().Err(err).Msg("gps owner loop stopped")
		return err
	}
	s.log.Info().Msg("gps owner loop stopped")
	return nil
}

func (s *Service) run(ctx context.Context, port Port, l *loop) error {
	var lines lineBuffer
	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case j := <-l.jobs:
			s.serve(ctx, port, l, j)
			lines.Reset()
			continue
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			lines.Feed(buf[:n], s.handleLine, s.handleOverflow)
		}
		if err != nil {
			return fmt.Errorf("gps read: %w", err)
		}
		if n > 0 || s.cfg.IdleSleep <= 0 {
			continue
		}

		t := time.NewTimer(s.cfg.IdleSleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case j := <-l.jobs:
			t.Stop()
			s.serve(ctx, port, l, j)
			lines.Reset()
		case <-t.C:
		}
	}
}

// serve runs one job to completion. The line buffer is reset afterwards by
// the caller, so no byte read during a command reaches the sentence parser.
func (s *Service) serve(ctx context.Context, port Port, l *loop, j *job) {
	s.metrics.SetQueueDepth(len(l.jobs))
	if err := j.ctx.Err(); err != nil {
		s.log.Debug().Str("op", j.op).Msg("skipping request abandoned before service")
		j.result <- &CommandError{Op: j.op, Err: ErrChannelBusy, Cause: err}
		return
	}
	s.commands.Add(1)
	x := &exchange{
		ctx:     ctx,
		op:      j.op,
		port:    port,
		cfg:     s.cfg.Command,
		log:     s.log,
		metrics: s.metrics,
		now:     s.now,
		sleep:   s.sleep,
		buf:     make([]byte, 256),
	}
	start := s.now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("gps %s: panic: %v", j.op, r)
			}
		}()
		return j.fn(x)
	}()
	result := "ok"
	if err != nil {
		result = errorLabel(err)
		s.log.Warn().Str("op", j.op).Err(err).Msg("gps request failed")
	}
	s.metrics.ObserveOperation(j.op, result, s.now().Sub(start))
	j.result <- err
}

// do hands fn to the owner loop and waits for it. The returned error is
// fn's own, or ErrChannelBusy / ErrChannelUnavailable.
func (s *Service) do(ctx context.Context, op string, fn func(*exchange) error) error {
	l := s.cur.Load()
	if l == nil {
		return &CommandError{Op: op, Err: ErrChannelUnavailable}
	}
	j := &job{op: op, ctx: ctx, fn: fn, result: make(chan error, 1)}

	enqueue := time.NewTimer(s.cfg.SubmitTimeout)
	defer enqueue.Stop()
	select {
	case l.jobs <- j:
		s.metrics.SetQueueDepth(len(l.jobs))
	case <-l.done:
		return &CommandError{Op: op, Err: ErrChannelUnavailable}
	case <-ctx.Done():
		return &CommandError{Op: op, Err: ErrChannelBusy, Cause: ctx.Err()}
	case <-enqueue.C:
		return &CommandError{Op: op, Err: ErrChannelBusy, Cause: fmt.Errorf("queue full for %s", s.cfg.SubmitTimeout)}
	}

	wait := time.NewTimer(s.cfg.CompletionTimeout)
	defer wait.Stop()
	select {
	case err := <-j.result:
		return err
	case <-l.done:
		select {
		case err := <-j.result:
			return err
		default:
		}
		return &CommandError{Op: op, Err: ErrChannelUnavailable}
	case <-ctx.Done():
		return &CommandError{Op: op, Err: ErrChannelBusy, Cause: ctx.Err()}
	case <-wait.C:
		return &CommandError{Op: op, Err: ErrChannelBusy, Cause: fmt.Errorf("no completion within %s", s.cfg.CompletionTimeout)}
	}
}

func (s *Service) failQueued(l *loop) {
	for {
		select {
		case j := <-l.jobs:
			j.result <- &CommandError{Op: j.op, Err: ErrChannelUnavailable}
		default:
			return
		}
	}
}

func (s *Service) handleLine(line string) {
	u, ok, err := sentence.Parse(line)
	switch {
	case errors.Is(err, sentence.ErrChecksum):
		s.corrupt.Add(1)
		s.metrics.IncSentenceError("checksum")
		s.log.Debug().Err(err).Str("line", line).Msg("dropping corrupt sentence")
		return
	case err != nil:
		s.malformed.Add(1)
		s.metrics.IncSentenceError("malformed")
		s.log.Debug().Err(err).Str("line", line).Msg("dropping malformed sentence")
		return
	case !ok:
		s.ignored.Add(1)
		s.metrics.IncIgnored()
		return
	}
	fix := s.state.Apply(u, s.now())
	s.sentences.Add(1)
	s.metrics.IncSentence(u.Kind.String())
	s.metrics.SetFixValid(fix.Valid)
	if s.onFix != nil {
		s.onFix(fix)
	}
}

func (s *Service) handleOverflow() {
	s.overflows.Add(1)
	s.metrics.IncSentenceError("overflow")
}

// Snapshot returns the latest fix. It never blocks on the owner loop.
func (s *Service) Snapshot() Fix { return s.state.Snapshot() }

func (s *Service) Stats() Stats {
	return Stats{
		Sentences: s.sentences.Load(),
		Corrupt:   s.corrupt.Load(),
		Malformed: s.malformed.Load(),
		Ignored:   s.ignored.Load(),
		Overflows: s.overflows.Load(),
		Commands:  s.commands.Load(),
	}
}

func (s *Service) Running() bool { return s.cur.Load() != nil }

func (s *Service) Status() Status {
	now := s.now()
	fix := s.Snapshot()
	msg, _ := s.lastErr.Load().(string)
	return Status{
		Running:   s.Running(),
		Device:    s.cfg.Device,
		Fix:       fix,
		Stale:     fix.Stale(now, s.cfg.StaleAfter),
		FixAge:    fix.Age(now),
		Stats:     s.Stats(),
		LastError: msg,
	}
}

func (s *Service) setError(err error) {
	s.lastErr.Store(err.Error())
}

func (s *Service) queueLen() int {
	l := s.cur.Load()
	if l == nil {
		return 0
	}
	return len(l.jobs)
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrNoResponse):
		return "no_response"
	case errors.Is(err, ErrChannelBusy):
		return "busy"
	case errors.Is(err, ErrChannelUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// maxLine is well above the 82 characters NMEA allows.
const maxLine = 128

// lineBuffer assembles NMEA lines from raw reads. A '$' always starts a new
// line, discarding any partial one.
type lineBuffer struct {
	buf      []byte
	overflow bool
}

func (b *lineBuffer) Feed(p []byte, emit func(string), onOverflow func()) {
	for _, c := range p {
		switch {
		case c == '$':
			b.buf = append(b.buf[:0], c)
			b.overflow = false
		case len(b.buf) == 0:
			// Outside a sentence.
		case c == '\n':
			if !b.overflow {
				emit(string(b.buf))
			}
			b.Reset()
		case b.overflow:
		case len(b.buf) >= maxLine:
			b.overflow = true
			onOverflow()
		default:
			b.buf = append(b.buf, c)
		}
	}
}

func (b *lineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.overflow = false
}
