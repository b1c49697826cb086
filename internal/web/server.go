package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lishine/esp-sub000/internal/supervisor"
)

// Options wires the HTTP surface. Every field is optional; routes whose
// backing component is nil answer 404.
type Options struct {
	GPS        GPSController
	Fixes      *FixBroadcaster
	Logs       *LogBuffer
	Metrics    http.Handler
	Supervisor func() supervisor.Snapshot

	StartedAt  time.Time
	StaleAfter time.Duration
	// RequestTimeout bounds how long a configuration request may wait on
	// the receiver.
	RequestTimeout time.Duration

	Log zerolog.Logger
}

func Handler(opts Options) http.Handler {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, buildStatus(opts, time.Now()))
	})

	mux.HandleFunc("/api/gps", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if opts.GPS == nil {
			http.Error(w, "gps unavailable", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, NewFixView(opts.GPS.Status().Fix, time.Now(), opts.StaleAfter))
	})

	if opts.GPS != nil {
		gpsAPI{ctl: opts.GPS, timeout: opts.RequestTimeout}.register(mux)
	}
	mux.Handle("/api/gps/stream", streamHandler(opts.Fixes, opts.StaleAfter, opts.Log))

	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := buildStatus(opts, time.Now())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>jetlog</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>jetlog</h1>")
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a> and <a href=\"/api/gps\">/api/gps</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>link=%s\nsentences=%d\ncorrupt=%d\nuptime_sec=%d</pre>",
			snap.GPS.Link, snap.GPS.Stats.Sentences, snap.GPS.Stats.Corrupt, snap.UptimeSec)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// Serve runs an HTTP server on listenAddr until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Configuration requests can wait on receiver retries; the stream
		// sets its own per-message deadlines.
		WriteTimeout:   0,
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
