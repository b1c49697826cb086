package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lishine/esp-sub000/internal/config"
	"github.com/lishine/esp-sub000/internal/gps"
	"github.com/lishine/esp-sub000/internal/logging"
	"github.com/lishine/esp-sub000/internal/observability"
	"github.com/lishine/esp-sub000/internal/supervisor"
	"github.com/lishine/esp-sub000/internal/telemetry"
	"github.com/lishine/esp-sub000/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./jetlog.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	log := logging.New(cfg.Log.Level, cfg.Log.Format, logs)

	if err := run(ctx, cfg, log, logs); err != nil {
		log.Error().Err(err).Msg("jetlog stopped")
		os.Exit(1)
	}
	log.Info().Msg("jetlog stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger, logs *web.LogBuffer) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewGPSCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	fixes := web.NewFixBroadcaster()
	svc := gps.New(gpsConfig(cfg.GPS),
		gps.WithLogger(logging.Component(log, "gps")),
		gps.WithMetrics(metrics),
		gps.WithFixHook(fixes.Publish),
	)

	sup, err := supervisor.New(supervisor.Config{
		Name:           "gps",
		Restart:        true,
		BackoffInitial: cfg.GPS.Restart.BackoffInitial,
		BackoffMax:     cfg.GPS.Restart.BackoffMax,
	}, svc.Run, logging.Component(log, "supervisor"))
	if err != nil {
		return err
	}

	log.Info().
		Str("device", cfg.GPS.Device).
		Int("baud", cfg.GPS.Baud).
		Bool("web", cfg.Web.WebEnabled()).
		Bool("mqtt", cfg.MQTT.Enable).
		Msg("jetlog starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })

	if cfg.Web.WebEnabled() {
		h := web.Handler(web.Options{
			GPS:        svc,
			Fixes:      fixes,
			Logs:       logs,
			Metrics:    metrics.Handler(),
			Supervisor: sup.Snapshot,
			StartedAt:  time.Now(),
			StaleAfter: cfg.GPS.StaleAfter,
			Log:        logging.Component(log, "web"),
		})
		g.Go(func() error {
			log.Info().Str("listen", cfg.Web.Listen).Msg("web listening")
			return web.Serve(ctx, cfg.Web.Listen, h)
		})
	}

	if cfg.MQTT.Enable {
		tcfg := telemetryConfig(cfg)
		pub, err := telemetry.New(tcfg, telemetry.NewClient(tcfg), svc, logging.Component(log, "mqtt"))
		if err != nil {
			return err
		}
		mqttSup, err := supervisor.New(supervisor.Config{
			Name:           "mqtt",
			Restart:        true,
			BackoffInitial: time.Second,
			BackoffMax:     30 * time.Second,
		}, pub.Run, logging.Component(log, "supervisor"))
		if err != nil {
			return err
		}
		g.Go(func() error { return mqttSup.Run(ctx) })
	}

	return g.Wait()
}

func gpsConfig(c config.GPSConfig) gps.Config {
	out := gps.Config{
		Device:            c.Device,
		Baud:              c.Baud,
		Driver:            c.Driver,
		ReadTimeout:       c.ReadTimeout,
		IdleSleep:         c.IdleSleep,
		QueueDepth:        c.QueueDepth,
		SubmitTimeout:     c.SubmitTimeout,
		CompletionTimeout: c.CompletionTimeout,
		StaleAfter:        c.StaleAfter,
		MinRateHz:         c.MinRateHz,
		MaxRateHz:         c.MaxRateHz,
		Command: gps.CommandConfig{
			Timeout:     c.Command.Timeout,
			MaxRetries:  c.Command.MaxRetries,
			BackoffBase: c.Command.BackoffBase,
			BackoffMax:  c.Command.BackoffMax,
		},
	}
	if c.Command.BackoffJitter != nil {
		out.Command.BackoffJitter = *c.Command.BackoffJitter
	}
	return out
}

func telemetryConfig(cfg config.Config) telemetry.Config {
	return telemetry.Config{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		Topic:      cfg.MQTT.Topic,
		Interval:   cfg.MQTT.Interval,
		QoS:        cfg.MQTT.QoS,
		Retain:     true,
		StaleAfter: cfg.GPS.StaleAfter,
	}
}
