package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
)

// LogBuffer is a fixed-size ring of recent log lines behind /api/logs. The
// process logger writes into it alongside stderr. Every stored line gets a
// sequence number so pollers can ask only for what they have not seen.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []string
	next    int    // slot the next line goes into
	total   uint64 // lines stored since start; the newest has seq total
	partial []byte
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 2000
	}
	return &LogBuffer{ring: make([]string, capacity)}
}

// Write stores each complete line of p. An unterminated tail waits for the
// next write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	if len(b.partial) > 0 {
		rest = append(b.partial, p...)
		b.partial = nil
	}
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		b.storeLocked(rest[:i])
		rest = rest[i+1:]
	}
	if len(rest) > 0 {
		b.partial = bytes.Clone(rest)
	}
	return len(p), nil
}

func (b *LogBuffer) storeLocked(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	b.ring[b.next] = string(line)
	b.next = (b.next + 1) % len(b.ring)
	b.total++
}

// held is the number of lines currently in the ring.
func (b *LogBuffer) heldLocked() int {
	if b.total < uint64(len(b.ring)) {
		return int(b.total)
	}
	return len(b.ring)
}

// Since returns up to tail of the newest lines with a sequence number above
// seq, oldest first, and the sequence number of the newest stored line.
// Lines that fell out of the ring are counted in dropped.
func (b *LogBuffer) Since(seq uint64, tail int) (lines []string, last, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.heldLocked()
	dropped = b.total - uint64(held)
	last = b.total

	n := held
	if seq < b.total && b.total-seq < uint64(n) {
		n = int(b.total - seq)
	} else if seq >= b.total {
		n = 0
	}
	if tail > 0 && n > tail {
		n = tail
	}
	lines = make([]string, n)
	start := b.next - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := range lines {
		lines[i] = b.ring[(start+i)%len(b.ring)]
	}
	return lines, last, dropped
}

// Snapshot returns the newest tail lines (default 200) and the drop count.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	if tail <= 0 {
		tail = defaultLogTail
	}
	lines, _, dropped = b.Since(0, tail)
	return lines, dropped
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Next    uint64   `json:"next"`
	Lines   []string `json:"lines"`
}

// Handler serves the ring. Query parameters:
//
//	tail=N      newest N lines (1..5000, default 200)
//	since=SEQ   only lines after SEQ; pass the previous response's "next"
//	contains=S  keep lines containing S, e.g. component=gps
//	format=text plain text instead of JSON
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()

		tail, err := queryUint(q.Get("tail"), defaultLogTail)
		if err != nil || tail < 1 || tail > maxLogTail {
			http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
			return
		}
		since, err := queryUint(q.Get("since"), 0)
		if err != nil {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}

		lines, last, dropped := b.Since(since, int(tail))
		if needle := q.Get("contains"); needle != "" {
			kept := lines[:0]
			for _, line := range lines {
				if strings.Contains(line, needle) {
					kept = append(kept, line)
				}
			}
			lines = kept
		}

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 && since == 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Next:    last,
			Lines:   lines,
		})
	})
}

func queryUint(s string, def uint64) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
