// Package telemetry publishes the current GPS fix to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/lishine/esp-sub000/internal/gps"
)

// Client is the subset of mqtt.Client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// FixSource returns the latest fix. *gps.Service satisfies it.
type FixSource interface {
	Snapshot() gps.Fix
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	Interval time.Duration
	QoS      byte
	Retain   bool
	// StaleAfter marks published fixes as stale once no sentence has
	// arrived for this long.
	StaleAfter time.Duration
	// Timeout bounds connect and each publish.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Second
	}
	return c
}

// NewClient builds a paho client for cfg. The client reconnects on its own
// once the first connect has succeeded.
func NewClient(cfg Config) mqtt.Client {
	cfg = cfg.withDefaults()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetWriteTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return mqtt.NewClient(opts)
}

// Message is the JSON payload published for every tick.
type Message struct {
	Time        string   `json:"time"`
	Valid       bool     `json:"valid"`
	Stale       bool     `json:"stale"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	AltM        *float64 `json:"alt_m,omitempty"`
	SpeedKt     float32  `json:"speed_kt"`
	HeadingDeg  float32  `json:"heading_deg"`
	Satellites  uint8    `json:"satellites"`
	ReceiverUTC string   `json:"receiver_utc,omitempty"`
}

func newMessage(f gps.Fix, now time.Time, staleAfter time.Duration) Message {
	m := Message{
		Time:       now.UTC().Format(time.RFC3339Nano),
		Valid:      f.Valid,
		Stale:      f.Stale(now, staleAfter),
		SpeedKt:    f.SpeedKnots,
		HeadingDeg: f.HeadingDeg,
		Satellites: f.SatellitesUsed,
	}
	if f.HasPosition {
		lat, lon := f.Latitude, f.Longitude
		m.Lat, m.Lon = &lat, &lon
	}
	if f.HasAltitude {
		alt := f.AltitudeM
		m.AltM = &alt
	}
	if !f.ReceiverTime.IsZero() {
		m.ReceiverUTC = f.ReceiverTime.UTC().Format(time.RFC3339)
	}
	return m
}

// Publisher sends a fix snapshot to the broker every Interval.
type Publisher struct {
	cfg    Config
	client Client
	src    FixSource
	log    zerolog.Logger
	now    func() time.Time

	lastSent time.Time
}

func New(cfg Config, client Client, src FixSource, log zerolog.Logger) (*Publisher, error) {
	if client == nil || src == nil {
		return nil, errors.New("telemetry: client and fix source are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("telemetry: topic is required")
	}
	return &Publisher{
		cfg:    cfg.withDefaults(),
		client: client,
		src:    src,
		log:    log,
		now:    time.Now,
	}, nil
}

// Run connects and publishes until ctx is done. A failed connect is
// returned so the caller can retry; failed publishes are logged and the
// loop carries on.
func (p *Publisher) Run(ctx context.Context) error {
	if err := wait(ctx, p.client.Connect(), p.cfg.Timeout); err != nil {
		return fmt.Errorf("telemetry: connect %s: %w", p.cfg.Broker, err)
	}
	p.log.Info().Str("broker", p.cfg.Broker).Str("topic", p.cfg.Topic).Msg("mqtt connected")
	defer p.client.Disconnect(250)

	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.publishOnce(ctx); err != nil {
				p.log.Warn().Err(err).Msg("mqtt publish failed")
			}
		}
	}
}

// publishOnce sends the current fix. Nothing is sent before the first
// sentence arrives, nor when the fix has not changed since the last send.
func (p *Publisher) publishOnce(ctx context.Context) error {
	fix := p.src.Snapshot()
	if fix.LastUpdate.IsZero() || fix.LastUpdate.Equal(p.lastSent) {
		return nil
	}
	payload, err := json.Marshal(newMessage(fix, p.now(), p.cfg.StaleAfter))
	if err != nil {
		return err
	}
	if err := wait(ctx, p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retain, payload), p.cfg.Timeout); err != nil {
		return err
	}
	p.lastSent = fix.LastUpdate
	return nil
}

var errTokenTimeout = errors.New("timed out waiting for broker")

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errTokenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
