package web

import (
	"time"

	"github.com/lishine/esp-sub000/internal/gps"
	"github.com/lishine/esp-sub000/internal/supervisor"
)

// FixView is the JSON shape of a fix. Position fields are omitted until the
// receiver has reported them at least once.
type FixView struct {
	Valid          bool     `json:"valid"`
	Stale          bool     `json:"stale"`
	LatDeg         *float64 `json:"lat_deg,omitempty"`
	LonDeg         *float64 `json:"lon_deg,omitempty"`
	AltM           *float64 `json:"alt_m,omitempty"`
	SpeedKt        float32  `json:"speed_kt"`
	HeadingDeg     float32  `json:"heading_deg"`
	SatellitesSeen uint8    `json:"satellites_seen"`
	SatellitesUsed uint8    `json:"satellites_used"`
	FixAgeSec      float64  `json:"fix_age_sec"`
	ReceiverUTC    string   `json:"receiver_utc,omitempty"`
	LastUpdateUTC  string   `json:"last_update_utc,omitempty"`
}

func NewFixView(f gps.Fix, now time.Time, staleAfter time.Duration) FixView {
	v := FixView{
		Valid:          f.Valid,
		Stale:          f.Stale(now, staleAfter),
		SpeedKt:        f.SpeedKnots,
		HeadingDeg:     f.HeadingDeg,
		SatellitesSeen: f.SatellitesSeen,
		SatellitesUsed: f.SatellitesUsed,
		FixAgeSec:      f.Age(now).Seconds(),
	}
	if f.HasPosition {
		lat, lon := f.Latitude, f.Longitude
		v.LatDeg = &lat
		v.LonDeg = &lon
	}
	if f.HasAltitude {
		alt := f.AltitudeM
		v.AltM = &alt
	}
	if !f.ReceiverTime.IsZero() {
		v.ReceiverUTC = f.ReceiverTime.UTC().Format(time.RFC3339Nano)
	}
	if !f.LastUpdate.IsZero() {
		v.LastUpdateUTC = f.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	return v
}

type GPSStatusView struct {
	Running   bool      `json:"running"`
	Device    string    `json:"device,omitempty"`
	Link      string    `json:"link"`
	LastError string    `json:"last_error,omitempty"`
	Stats     gps.Stats `json:"stats"`
	Fix       FixView   `json:"fix"`
}

type StatusSnapshot struct {
	Service    string               `json:"service"`
	NowUTC     string               `json:"now_utc"`
	UptimeSec  int64                `json:"uptime_sec"`
	GPS        GPSStatusView        `json:"gps"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

// link reports "COM" while sentences keep arriving and "NOCOM" once the
// stream has gone quiet.
func link(st gps.Status) string {
	if st.Running && !st.Stale {
		return "COM"
	}
	return "NOCOM"
}

func buildStatus(opts Options, now time.Time) StatusSnapshot {
	snap := StatusSnapshot{
		Service: "jetlog",
		NowUTC:  now.UTC().Format(time.RFC3339Nano),
	}
	if !opts.StartedAt.IsZero() {
		snap.UptimeSec = int64(now.Sub(opts.StartedAt).Seconds())
	}
	if opts.GPS != nil {
		st := opts.GPS.Status()
		snap.GPS = GPSStatusView{
			Running:   st.Running,
			Device:    st.Device,
			Link:      link(st),
			LastError: st.LastError,
			Stats:     st.Stats,
			Fix:       NewFixView(st.Fix, now, opts.StaleAfter),
		}
	} else {
		snap.GPS.Link = "NOCOM"
	}
	if opts.Supervisor != nil {
		s := opts.Supervisor()
		snap.Supervisor = &s
	}
	return snap
}
