package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lishine/esp-sub000/internal/gps"
)

// GPSController is the part of the GPS service the HTTP surface needs.
// Implementations must be safe to call concurrently.
type GPSController interface {
	Status() gps.Status
	QueryRate(ctx context.Context) (gps.RateConfig, error)
	SetRate(ctx context.Context, hz uint16) (gps.SetRateOutcome, error)
	FactoryReset(ctx context.Context) (gps.ResetOutcome, error)
}

type RateView struct {
	RateHz            float64 `json:"rate_hz"`
	MeasurementRateMs uint16  `json:"measurement_rate_ms"`
	NavigationRate    uint16  `json:"navigation_rate"`
	TimeReference     string  `json:"time_reference"`
}

func newRateView(rc gps.RateConfig) *RateView {
	return &RateView{
		RateHz:            rc.RateHz(),
		MeasurementRateMs: rc.MeasurementRateMs,
		NavigationRate:    rc.NavigationRate,
		TimeReference:     rc.TimeReference.String(),
	}
}

// ActionResponse is returned by every GPS configuration endpoint.
type ActionResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Rate    *RateView `json:"rate,omitempty"`
}

type settingsRequest struct {
	Action string `json:"action"`
	Rate   *int   `json:"rate"`
	RateHz *int   `json:"rate_hz"`
}

func (req settingsRequest) hz() (uint16, error) {
	v := req.RateHz
	if v == nil {
		v = req.Rate
	}
	if v == nil {
		return 0, fmt.Errorf("%w: rate is required", gps.ErrInvalidRate)
	}
	if *v <= 0 || *v > 0xFFFF {
		return 0, fmt.Errorf("%w: %d Hz", gps.ErrInvalidRate, *v)
	}
	return uint16(*v), nil
}

type gpsAPI struct {
	ctl     GPSController
	timeout time.Duration
}

func (a gpsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/gps/rate", a.handleRate)
	mux.HandleFunc("/api/gps/reset", a.handleReset)
	mux.HandleFunc("/api/gps/settings", a.handleSettings)
}

func (a gpsAPI) handleRate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.getRate(w, r)
	case http.MethodPost:
		req, ok := decodeSettings(w, r)
		if !ok {
			return
		}
		a.setRate(w, r, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a gpsAPI) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.factoryReset(w, r)
}

// handleSettings is the action-style endpoint the settings page posts to:
// {"action":"get_rate"}, {"action":"set_rate","rate":5} or
// {"action":"factory_reset"}.
func (a gpsAPI) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeSettings(w, r)
	if !ok {
		return
	}
	switch strings.TrimSpace(req.Action) {
	case "get_rate":
		a.getRate(w, r)
	case "set_rate":
		a.setRate(w, r, req)
	case "factory_reset":
		a.factoryReset(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, ActionResponse{Message: fmt.Sprintf("unknown action: %q", req.Action)})
	}
}

func (a gpsAPI) getRate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	rc, err := a.ctl.QueryRate(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Rate: newRateView(rc)})
}

func (a gpsAPI) setRate(w http.ResponseWriter, r *http.Request, req settingsRequest) {
	hz, err := req.hz()
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	outcome, err := a.ctl.SetRate(ctx, hz)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := fmt.Sprintf("rate set to %d Hz", hz)
	if outcome == gps.RateAppliedNotPersisted {
		msg += "; saving to receiver memory failed, it will revert at power cycle"
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Outcome: outcome.String(), Message: msg})
}

func (a gpsAPI) factoryReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	outcome, err := a.ctl.FactoryReset(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "receiver reset to factory defaults"
	if outcome == gps.ResetLikelyAppliedNoConfirmation {
		msg = "reset sent; receiver did not confirm"
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Outcome: outcome.String(), Message: msg})
}

func decodeSettings(w http.ResponseWriter, r *http.Request) (settingsRequest, bool) {
	var req settingsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Message: "bad request: " + err.Error()})
		return req, false
	}
	return req, true
}

// httpStatus maps the GPS error taxonomy onto HTTP.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, gps.ErrInvalidRate):
		return http.StatusBadRequest
	case errors.Is(err, gps.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, gps.ErrNoResponse):
		return http.StatusGatewayTimeout
	case errors.Is(err, gps.ErrChannelBusy), errors.Is(err, gps.ErrChannelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), ActionResponse{Message: err.Error()})
}
