// Package supervisor keeps a long-running function alive, restarting it
// with capped exponential backoff when it returns an error.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Name string

	// Restart re-runs the function after it fails. When false the first
	// failure ends Run.
	Restart bool

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type Supervisor struct {
	cfg Config
	run func(context.Context) error
	log zerolog.Logger

	started  atomic.Bool
	restarts atomic.Uint64

	mu      sync.RWMutex
	state   string
	lastErr string
	since   time.Time
}

type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Restarts  uint64    `json:"restarts"`
	Since     time.Time `json:"since"`
}

func New(cfg Config, run func(context.Context) error, log zerolog.Logger) (*Supervisor, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, fmt.Errorf("supervisor name is required")
	}
	if run == nil {
		return nil, fmt.Errorf("supervisor %s: run func is required", cfg.Name)
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	s := &Supervisor{
		cfg:   cfg,
		run:   run,
		log:   log.With().Str("supervisor", cfg.Name).Logger(),
		state: "stopped",
		since: time.Now(),
	}
	return s, nil
}

// Run blocks until ctx is done (returning nil) or, with Restart off, until
// the function fails (returning its error).
func (s *Supervisor) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("supervisor is nil")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("supervisor %s already started", s.cfg.Name)
	}
	defer s.started.Store(false)

	backoff := s.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return nil
		}

		s.setState("running", "")
		began := time.Now()
		err := s.run(ctx)
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return nil
		}
		if err == nil {
			err = fmt.Errorf("exited without error")
		}
		s.setState("exited", err.Error())
		s.log.Warn().Err(err).Dur("uptime", time.Since(began)).Msg("supervised task exited")
		if !s.cfg.Restart {
			return err
		}

		// A run that stayed up longer than the cap was healthy; start over.
		if time.Since(began) > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffInitial
		}
		s.log.Info().Dur("backoff", backoff).Msg("restarting supervised task")
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState("stopped", "")
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
		s.restarts.Add(1)
		s.setState("restarting", "")
	}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Name:      s.cfg.Name,
		State:     s.state,
		LastError: s.lastErr,
		Restarts:  s.restarts.Load(),
		Since:     s.since,
	}
}

// setState keeps the last error across "restarting"/"running" so the
// status page still shows why the task went down.
func (s *Supervisor) setState(state, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state {
		s.since = time.Now()
	}
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	}
}
