// Package observability holds the Prometheus collectors for the GPS reader.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GPSCollector exposes serial link, sentence and command metrics. A nil
// collector is valid and records nothing.
type GPSCollector struct {
	gatherer prometheus.Gatherer

	Sentences         *prometheus.CounterVec
	SentenceErrors    *prometheus.CounterVec
	SentencesIgnored  prometheus.Counter
	CommandAttempts   *prometheus.CounterVec
	CommandRetries    prometheus.Counter
	CommandBackoff    prometheus.Histogram
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge
	OwnerLoopUp       prometheus.Gauge
	FixValid          prometheus.Gauge
}

// NewGPSCollector registers the GPS metrics against reg, or the default
// registerer when reg is nil. Registering twice returns the existing collectors.
func NewGPSCollector(reg prometheus.Registerer) (*GPSCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &GPSCollector{gatherer: gatherer}

	var err error
	if c.Sentences, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_sentences_total",
		Help: "NMEA sentences applied to the position state, by kind.",
	}, []string{"kind"}), "gps_sentences_total"); err != nil {
		return nil, err
	}
	if c.SentenceErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_sentence_errors_total",
		Help: "NMEA lines dropped, by reason (checksum, malformed, overflow).",
	}, []string{"reason"}), "gps_sentence_errors_total"); err != nil {
		return nil, err
	}
	if c.SentencesIgnored, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gps_sentences_ignored_total",
		Help: "Lines that were not GGA or RMC sentences.",
	}), "gps_sentences_ignored_total"); err != nil {
		return nil, err
	}
	if c.CommandAttempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_command_attempts_total",
		Help: "UBX command sessions started, by message and result.",
	}, []string{"message", "result"}), "gps_command_attempts_total"); err != nil {
		return nil, err
	}
	if c.CommandRetries, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gps_command_retries_total",
		Help: "UBX command sessions retried after a timeout or corrupt reply.",
	}), "gps_command_retries_total"); err != nil {
		return nil, err
	}
	if c.CommandBackoff, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gps_command_backoff_seconds",
		Help:    "Delay slept between UBX command retries.",
		Buckets: []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1, 2, 5},
	}), "gps_command_backoff_seconds"); err != nil {
		return nil, err
	}
	if c.Operations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_operations_total",
		Help: "Receiver operations completed, by operation and result.",
	}, []string{"op", "result"}), "gps_operations_total"); err != nil {
		return nil, err
	}
	if c.OperationDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gps_operation_duration_seconds",
		Help:    "Time the owner loop spent servicing an operation.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"}), "gps_operation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.QueueDepth, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gps_request_queue_depth",
		Help: "Requests waiting for the owner loop.",
	}), "gps_request_queue_depth"); err != nil {
		return nil, err
	}
	if c.OwnerLoopUp, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gps_owner_loop_up",
		Help: "1 while the owner loop holds the serial port.",
	}), "gps_owner_loop_up"); err != nil {
		return nil, err
	}
	if c.FixValid, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gps_fix_valid",
		Help: "1 when the last applied sentence reported a valid fix.",
	}), "gps_fix_valid"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes the metrics in Prometheus text format.
func (c *GPSCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *GPSCollector) IncSentence(kind string) {
	if c == nil || c.Sentences == nil {
		return
	}
	c.Sentences.WithLabelValues(kind).Inc()
}

func (c *GPSCollector) IncSentenceError(reason string) {
	if c == nil || c.SentenceErrors == nil {
		return
	}
	c.SentenceErrors.WithLabelValues(reason).Inc()
}

func (c *GPSCollector) IncIgnored() {
	if c == nil || c.SentencesIgnored == nil {
		return
	}
	c.SentencesIgnored.Inc()
}

// ObserveAttempt counts one command session attempt for message ("06-08").
func (c *GPSCollector) ObserveAttempt(message, result string) {
	if c == nil || c.CommandAttempts == nil {
		return
	}
	c.CommandAttempts.WithLabelValues(message, result).Inc()
}

// ObserveRetry records a retry and the backoff slept before it.
func (c *GPSCollector) ObserveRetry(backoff time.Duration) {
	if c == nil {
		return
	}
	if c.CommandRetries != nil {
		c.CommandRetries.Inc()
	}
	if c.CommandBackoff != nil {
		c.CommandBackoff.Observe(backoff.Seconds())
	}
}

func (c *GPSCollector) ObserveOperation(op, result string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Operations != nil {
		c.Operations.WithLabelValues(op, result).Inc()
	}
	if c.OperationDuration != nil {
		c.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

func (c *GPSCollector) SetQueueDepth(n int) {
	if c == nil || c.QueueDepth == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}

func (c *GPSCollector) SetOwnerLoopUp(up bool) {
	if c == nil || c.OwnerLoopUp == nil {
		return
	}
	c.OwnerLoopUp.Set(boolFloat(up))
}

func (c *GPSCollector) SetFixValid(valid bool) {
	if c == nil || c.FixValid == nil {
		return
	}
	c.FixValid.Set(boolFloat(valid))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
