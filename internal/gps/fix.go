package gps

import (
	"sync/atomic"
	"time"

	"github.com/lishine/esp-sub000/internal/sentence"
)

// Fix is the latest merged navigation state. Fields a sentence does not
// carry keep their previous value.
type Fix struct {
	Valid bool

	HasPosition bool
	Latitude    float64
	Longitude   float64

	HasAltitude bool
	AltitudeM   float64

	SpeedKnots float32
	HeadingDeg float32

	// SatellitesSeen stays zero: neither GGA nor RMC reports satellites in view.
	SatellitesSeen uint8
	SatellitesUsed uint8

	// LastUpdate is the local time of the last applied sentence. It carries a
	// monotonic reading when produced by time.Now.
	LastUpdate time.Time
	// ReceiverTime is the UTC time reported by the last valid RMC.
	ReceiverTime time.Time
}

// Age is the time since the last applied sentence, or zero if none arrived yet.
func (f Fix) Age(now time.Time) time.Duration {
	if f.LastUpdate.IsZero() {
		return 0
	}
	return now.Sub(f.LastUpdate)
}

// Stale reports whether no sentence has been applied within after.
func (f Fix) Stale(now time.Time, after time.Duration) bool {
	if f.LastUpdate.IsZero() {
		return true
	}
	return after > 0 && f.Age(now) > after
}

// State is a single-writer, many-reader holder for the current Fix.
// Readers always see a complete Fix, never a half-applied one.
type State struct {
	cur atomic.Pointer[Fix]
}

func (s *State) Snapshot() Fix {
	p := s.cur.Load()
	if p == nil {
		return Fix{}
	}
	return *p
}

// Apply merges u into the current fix and publishes the result.
func (s *State) Apply(u sentence.Update, now time.Time) Fix {
	next := s.Snapshot()
	next.Valid = u.Valid
	if u.HasPosition {
		next.HasPosition = true
		next.Latitude = u.Latitude
		next.Longitude = u.Longitude
	}
	if u.HasAltitude {
		next.HasAltitude = true
		next.AltitudeM = u.AltitudeM
	}
	if u.HasSatellites {
		next.SatellitesUsed = u.SatellitesUsed
	}
	if u.HasSpeed {
		next.SpeedKnots = u.SpeedKnots
	}
	if u.HasHeading {
		next.HeadingDeg = u.HeadingDeg
	}
	if !u.ReceiverTime.IsZero() {
		next.ReceiverTime = u.ReceiverTime
	}
	next.LastUpdate = now
	s.cur.Store(&next)
	return next
}
