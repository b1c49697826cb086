// Package sentence decodes the two NMEA sentence kinds the GPS reader cares
// about: GGA (fix, position, altitude, satellites) and RMC (speed, course and
// an explicit validity flag). Everything else is ignored.
package sentence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

var (
	// ErrChecksum marks a corrupted sentence. Callers count these.
	ErrChecksum = errors.New("sentence: checksum mismatch")
	// ErrMalformed marks a checksum-valid sentence whose fields did not parse.
	ErrMalformed = errors.New("sentence: malformed")
)

type Kind int

const (
	KindPosition Kind = iota + 1 // GGA
	KindVelocity                 // RMC
)

func (k Kind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindVelocity:
		return "velocity"
	default:
		return "unknown"
	}
}

// Update carries only the fields one sentence reports. Has* flags tell the
// position state which fields to overwrite.
type Update struct {
	Kind   Kind
	Talker string
	Valid  bool

	HasPosition bool
	Latitude    float64
	Longitude   float64

	HasAltitude bool
	AltitudeM   float64

	HasSatellites  bool
	SatellitesUsed uint8

	// Speed and course are reported separately: receivers leave the
	// course empty while stationary.
	HasSpeed   bool
	SpeedKnots float32
	HasHeading bool
	HeadingDeg float32

	// ReceiverTime is set when an RMC carried both a valid time and date.
	ReceiverTime time.Time
}

// Parse decodes one line. ok is false with a nil error for lines that are not
// NMEA or are sentence types other than GGA/RMC.
func Parse(line string) (u Update, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Update{}, false, nil
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return Update{}, false, fmt.Errorf("%w: missing checksum delimiter", ErrMalformed)
	}
	body := line[1:star]
	if err := verifyChecksum(body, line[star+1:]); err != nil {
		return Update{}, false, err
	}

	fields := strings.Split(body, ",")
	head := fields[0]
	if len(head) < 3 {
		return Update{}, false, fmt.Errorf("%w: short address field %q", ErrMalformed, head)
	}
	talker := ""
	if len(head) > 3 {
		talker = head[:len(head)-3]
	}
	switch strings.ToUpper(head[len(head)-3:]) {
	case nmea.TypeGGA:
		u, err = parseGGA(line, fields)
	case nmea.TypeRMC:
		u, err = parseRMC(line, fields)
	default:
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, err
	}
	u.Talker = talker
	return u, true, nil
}

func verifyChecksum(body, trailer string) error {
	trailer = strings.TrimSpace(trailer)
	if len(trailer) < 2 {
		return fmt.Errorf("%w: short checksum %q", ErrChecksum, trailer)
	}
	want, err := hex.DecodeString(trailer[:2])
	if err != nil || len(want) != 1 {
		return fmt.Errorf("%w: bad checksum %q", ErrChecksum, trailer[:2])
	}
	got := byte(0)
	for i := 0; i < len(body); i++ {
		got ^= body[i]
	}
	if got != want[0] {
		return fmt.Errorf("%w: computed %02X, sentence says %02X", ErrChecksum, got, want[0])
	}
	return nil
}

// GGA fields: 0 address, 1 time, 2-5 lat/lon, 6 quality, 7 satellites,
// 8 HDOP, 9 altitude, 10 altitude units.
func parseGGA(line string, f []string) (Update, error) {
	if len(f) < 10 {
		return Update{}, fmt.Errorf("%w: GGA has %d fields", ErrMalformed, len(f))
	}
	u := Update{Kind: KindPosition}

	quality := strings.TrimSpace(f[6])
	if quality == "" || quality == nmea.Invalid {
		// No fix: position fields are usually empty, which the decoder
		// rejects. Report the loss of fix and whatever satellite count came along.
		if sats, ok := parseSatellites(f[7]); ok {
			u.SatellitesUsed = sats
			u.HasSatellites = true
		}
		return u, nil
	}

	s, err := nmea.Parse(line)
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	gga, ok := s.(nmea.GGA)
	if !ok {
		return Update{}, fmt.Errorf("%w: unexpected %T", ErrMalformed, s)
	}
	u.Valid = true
	u.HasPosition = true
	u.Latitude = gga.Latitude
	u.Longitude = gga.Longitude
	if present(f[9]) {
		u.HasAltitude = true
		u.AltitudeM = gga.Altitude
	}
	if present(f[7]) && gga.NumSatellites >= 0 {
		u.HasSatellites = true
		u.SatellitesUsed = clampSatellites(gga.NumSatellites)
	}
	return u, nil
}

// RMC fields: 0 address, 1 time, 2 status, 3-6 lat/lon, 7 speed (kt),
// 8 course (deg), 9 date.
func parseRMC(line string, f []string) (Update, error) {
	if len(f) < 10 {
		return Update{}, fmt.Errorf("%w: RMC has %d fields", ErrMalformed, len(f))
	}
	u := Update{Kind: KindVelocity}
	if strings.TrimSpace(f[2]) != nmea.ValidRMC {
		return u, nil
	}

	s, err := nmea.Parse(line)
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rmc, ok := s.(nmea.RMC)
	if !ok {
		return Update{}, fmt.Errorf("%w: unexpected %T", ErrMalformed, s)
	}
	u.Valid = true
	u.HasPosition = true
	u.Latitude = rmc.Latitude
	u.Longitude = rmc.Longitude
	if present(f[7]) {
		u.HasSpeed = true
		u.SpeedKnots = float32(rmc.Speed)
	}
	if present(f[8]) {
		u.HasHeading = true
		u.HeadingDeg = float32(math.Mod(rmc.Course+360.0, 360.0))
	}
	if rmc.Time.Valid && rmc.Date.Valid {
		u.ReceiverTime = time.Date(2000+rmc.Date.YY, time.Month(rmc.Date.MM), rmc.Date.DD,
			rmc.Time.Hour, rmc.Time.Minute, rmc.Time.Second, rmc.Time.Millisecond*int(time.Millisecond), time.UTC)
	}
	return u, nil
}

// present reports whether a raw field carried a value. An empty field means
// "not reported", never zero.
func present(field string) bool { return strings.TrimSpace(field) != "" }

func parseSatellites(s string) (uint8, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return clampSatellites(n), true
}

func clampSatellites(n int64) uint8 {
	if n > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(n)
}
