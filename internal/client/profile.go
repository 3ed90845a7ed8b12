package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/chronologos/gpstrack/internal/protocol"
	"github.com/chronologos/gpstrack/internal/version"
)

// Stats counts exchanges per kind and tracks round-trip times of the ones
// that waited for a reply.
type Stats struct {
	mu      sync.Mutex
	start   time.Time
	sent    map[protocol.Kind]uint64
	failed  map[protocol.Kind]uint64
	replies uint64
	minRTT  time.Duration
	maxRTT  time.Duration
	sumRTT  time.Duration
}

func newStats() *Stats {
	return &Stats{
		start:  time.Now(),
		sent:   make(map[protocol.Kind]uint64),
		failed: make(map[protocol.Kind]uint64),
	}
}

func (s *Stats) record(kind protocol.Kind, rtt time.Duration, waited bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[kind]++
	if err != nil {
		s.failed[kind]++
		return
	}
	if !waited {
		return
	}
	s.replies++
	s.sumRTT += rtt
	if s.minRTT == 0 || rtt < s.minRTT {
		s.minRTT = rtt
	}
	if rtt > s.maxRTT {
		s.maxRTT = rtt
	}
}

// Sent returns how many exchanges of kind were attempted.
func (s *Stats) Sent(kind protocol.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[kind]
}

// Failed returns how many exchanges of kind ended in a transport or decode
// error. Error-status replies are not failures here.
func (s *Stats) Failed(kind protocol.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[kind]
}

// statsJSON is the structured form written by WriteJSON.
type statsJSON struct {
	Timestamp string            `json:"timestamp"`
	Commit    string            `json:"commit"`
	Server    string            `json:"server"`
	DurationS float64           `json:"duration_s"`
	Sent      map[string]uint64 `json:"sent"`
	Failed    map[string]uint64 `json:"failed"`
	RTT       statsRTT          `json:"rtt"`
}

type statsRTT struct {
	MinMs float64 `json:"min_ms"`
	AvgMs float64 `json:"avg_ms"`
	MaxMs float64 `json:"max_ms"`
}

func (s *Stats) snapshot(server string) statsJSON {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := statsJSON{
		Timestamp: now.UTC().Format(time.RFC3339),
		Commit:    version.Commit,
		Server:    server,
		DurationS: now.Sub(s.start).Seconds(),
		Sent:      make(map[string]uint64, len(s.sent)),
		Failed:    make(map[string]uint64, len(s.failed)),
		RTT: statsRTT{
			MinMs: msFloat(s.minRTT),
			MaxMs: msFloat(s.maxRTT),
		},
	}
	if s.replies > 0 {
		out.RTT.AvgMs = msFloat(s.sumRTT / time.Duration(s.replies))
	}
	for k, n := range s.sent {
		out.Sent[k.String()] = n
	}
	for k, n := range s.failed {
		out.Failed[k.String()] = n
	}
	return out
}

// WriteSummary prints a human-readable run summary.
func (s *Stats) WriteSummary(w io.Writer, server string) {
	p := s.snapshot(server)
	fmt.Fprintf(w, "[stats] === Session Summary ===\n")
	fmt.Fprintf(w, "[stats] Duration: %s\n", (time.Duration(p.DurationS * float64(time.Second))).Round(time.Second))
	for _, k := range []protocol.Kind{protocol.KindLogin, protocol.KindHeartbeat, protocol.KindCoordinates, protocol.KindLogout} {
		fmt.Fprintf(w, "[stats] %-11s sent=%d failed=%d\n", k, p.Sent[k.String()], p.Failed[k.String()])
	}
	fmt.Fprintf(w, "[stats] RTT: min=%s avg=%s max=%s\n",
		formatMs(p.RTT.MinMs), formatMs(p.RTT.AvgMs), formatMs(p.RTT.MaxMs))
}

// WriteJSON dumps the summary as JSON to path.
func (s *Stats) WriteJSON(path, server string) error {
	data, err := json.MarshalIndent(s.snapshot(server), "", "  ")
	if err != nil {
		return fmt.Errorf("stats: json marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("stats: write %s: %w", path, err)
	}
	return nil
}

// msFloat converts a Duration to milliseconds as float64.
func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatMs(ms float64) string {
	if ms == 0 {
		return "0ms"
	}
	return fmt.Sprintf("%.1fms", ms)
}
