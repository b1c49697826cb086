package gps

import (
	"context"
	"errors"
	"fmt"

	"github.com/lishine/esp-sub000/internal/ubx"
)

// RateConfig is the receiver's navigation rate as reported by CFG-RATE.
type RateConfig struct {
	MeasurementRateMs uint16
	NavigationRate    uint16
	TimeReference     ubx.TimeRef
}

// RateHz is the solution rate implied by the measurement period.
func (r RateConfig) RateHz() float64 {
	if r.MeasurementRateMs == 0 {
		return 0
	}
	return 1000.0 / float64(r.MeasurementRateMs)
}

// SetRateOutcome reports how far a rate change got.
type SetRateOutcome int

const (
	RateNotApplied SetRateOutcome = iota
	// RateAppliedAndPersisted: the receiver acknowledged both the rate and the save.
	RateAppliedAndPersisted
	// RateAppliedNotPersisted: the rate is active but may revert at power cycle.
	RateAppliedNotPersisted
)

func (o SetRateOutcome) String() string {
	switch o {
	case RateAppliedAndPersisted:
		return "applied_and_persisted"
	case RateAppliedNotPersisted:
		return "applied_not_persisted"
	default:
		return "not_applied"
	}
}

func (o SetRateOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

type ResetOutcome int

const (
	ResetFailed ResetOutcome = iota
	ResetConfirmed
	// ResetLikelyAppliedNoConfirmation: the command was written but the
	// receiver restarted (or went quiet) before acknowledging it.
	ResetLikelyAppliedNoConfirmation
)

func (o ResetOutcome) String() string {
	switch o {
	case ResetConfirmed:
		return "confirmed"
	case ResetLikelyAppliedNoConfirmation:
		return "likely_applied_no_confirmation"
	default:
		return "failed"
	}
}

func (o ResetOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ValidateRate checks hz against the configured bounds. The receiver takes a
// whole number of milliseconds per measurement, so 1000 must divide evenly.
func (s *Service) ValidateRate(hz uint16) (RateConfig, error) {
	if hz == 0 || hz < s.cfg.MinRateHz || hz > s.cfg.MaxRateHz {
		return RateConfig{}, fmt.Errorf("%w: %d Hz outside %d..%d", ErrInvalidRate, hz, s.cfg.MinRateHz, s.cfg.MaxRateHz)
	}
	if 1000%hz != 0 {
		return RateConfig{}, fmt.Errorf("%w: %d Hz is not a whole number of milliseconds", ErrInvalidRate, hz)
	}
	return RateConfig{
		MeasurementRateMs: 1000 / hz,
		NavigationRate:    1,
		TimeReference:     ubx.TimeRefGPS,
	}, nil
}

// Submit runs an arbitrary command session on the owner loop.
func (s *Service) Submit(ctx context.Context, req CommandRequest) (*ubx.Frame, error) {
	var resp *ubx.Frame
	err := s.do(ctx, "submit", func(x *exchange) error {
		f, err := x.Run(req)
		resp = f
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// QueryRate polls CFG-RATE.
func (s *Service) QueryRate(ctx context.Context) (RateConfig, error) {
	poll, err := ubx.NewFrame(ubx.ClassCFG, ubx.IDCfgRate, nil)
	if err != nil {
		return RateConfig{}, &ConfigError{Op: "query_rate", Err: err}
	}
	var out RateConfig
	err = s.do(ctx, "query_rate", func(x *exchange) error {
		f, err := x.Run(CommandRequest{
			Frame:  poll,
			Expect: &Response{Class: ubx.ClassCFG, ID: ubx.IDCfgRate},
		})
		if err != nil {
			return err
		}
		rate, err := ubx.ParseCfgRate(f.Payload)
		if err != nil {
			return err
		}
		out = RateConfig{
			MeasurementRateMs: rate.MeasRateMs,
			NavigationRate:    rate.NavRate,
			TimeReference:     rate.TimeRef,
		}
		return nil
	})
	if err != nil {
		return RateConfig{}, &ConfigError{Op: "query_rate", Err: err}
	}
	return out, nil
}

// SetRate applies hz and then saves the configuration. Both steps run in a
// single owner-loop turn. A failed save still reports the rate as applied
// and returns a nil error.
func (s *Service) SetRate(ctx context.Context, hz uint16) (SetRateOutcome, error) {
	rc, err := s.ValidateRate(hz)
	if err != nil {
		return RateNotApplied, &ConfigError{Op: "set_rate", Err: err}
	}
	set, err := ubx.NewFrame(ubx.ClassCFG, ubx.IDCfgRate, ubx.CfgRate{
		MeasRateMs: rc.MeasurementRateMs,
		NavRate:    rc.NavigationRate,
		TimeRef:    rc.TimeReference,
	}.Payload())
	if err != nil {
		return RateNotApplied, &ConfigError{Op: "set_rate", Err: err}
	}
	save, err := ubx.NewFrame(ubx.ClassCFG, ubx.IDCfgCfg, ubx.SaveAll().Payload())
	if err != nil {
		return RateNotApplied, &ConfigError{Op: "set_rate", Err: err}
	}

	outcome := RateNotApplied
	err = s.do(ctx, "set_rate", func(x *exchange) error {
		if _, err := x.Run(CommandRequest{Frame: set, Expect: Ack}); err != nil {
			return err
		}
		outcome = RateAppliedNotPersisted
		if _, err := x.Run(CommandRequest{Frame: save, Expect: Ack}); err != nil {
			x.log.Warn().Err(err).Uint16("hz", hz).Msg("rate applied but not persisted")
			return nil
		}
		outcome = RateAppliedAndPersisted
		return nil
	})
	if err != nil {
		return RateNotApplied, &ConfigError{Op: "set_rate", Err: err}
	}
	s.log.Info().Uint16("hz", hz).Stringer("outcome", outcome).Msg("gps rate changed")
	return outcome, nil
}

// FactoryReset clears, loads and re-applies the default configuration. It is
// tried once: the receiver may restart before it can acknowledge, so a
// missing reply after a successful write is reported as likely applied.
func (s *Service) FactoryReset(ctx context.Context) (ResetOutcome, error) {
	reset, err := ubx.NewFrame(ubx.ClassCFG, ubx.IDCfgCfg, ubx.FactoryDefaults().Payload())
	if err != nil {
		return ResetFailed, &ConfigError{Op: "factory_reset", Err: err}
	}
	outcome := ResetFailed
	err = s.do(ctx, "factory_reset", func(x *exchange) error {
		_, err := x.Run(CommandRequest{Frame: reset, Expect: Ack, MaxRetries: 1})
		switch {
		case err == nil:
			outcome = ResetConfirmed
			return nil
		case errors.Is(err, ErrNoResponse):
			x.log.Warn().Msg("factory reset written without acknowledgement")
			outcome = ResetLikelyAppliedNoConfirmation
			return nil
		}
		return err
	})
	if err != nil {
		return ResetFailed, &ConfigError{Op: "factory_reset", Err: err}
	}
	s.log.Info().Stringer("outcome", outcome).Msg("gps factory reset")
	return outcome, nil
}
