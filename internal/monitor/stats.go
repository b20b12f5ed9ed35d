// Package monitor aggregates capture-session counters for the
// terminal dashboard (§4.10): it is a sniffer.Sink and a run_capture
// stats_cb in one, accumulating per-flag and subframe-violation tallies under a
// mutex so the bubbletea Update loop can poll a stable snapshot.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"ovanalyzer/internal/sniffer"
	"ovanalyzer/internal/usbdecode"
)

// Snapshot is a point-in-time copy of the running session counters.
type Snapshot struct {
	Packets      uint64
	ErrCount     uint64
	OvfCount     uint64
	ClipCount    uint64
	TruncCount   uint64
	WTFSubframes uint64
	Elapsed      time.Duration
	RecordsPerS  float64
}

// Session accumulates counters across a capture run. Zero value is
// ready to use.
type Session struct {
	mu         sync.Mutex
	packets    uint64
	errs       uint64
	ovfs       uint64
	clips      uint64
	truncs     uint64
	wtf        uint64
	elapsed    time.Duration
	windowN    uint64
	windowStart time.Time
}

// NewSession builds an empty counter session.
func NewSession() *Session {
	return &Session{windowStart: time.Time{}}
}

// OnPacket implements sniffer.Sink.
func (s *Session) OnPacket(ev usbdecode.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets++
	s.windowN++
	if ev.Flags&sniffer.FlagErr != 0 {
		s.errs++
	}
	if ev.Flags&sniffer.FlagOvf != 0 {
		s.ovfs++
	}
	if ev.Flags&sniffer.FlagClip != 0 {
		s.clips++
	}
	if ev.Flags&sniffer.FlagTrunc != 0 {
		s.truncs++
	}
	if ev.WTFSubframe {
		s.wtf++
	}
}

// OnTick is a run_capture stats_cb: it records elapsed session time.
// The records/sec window is rolled by Snapshot, not here.
func (s *Session) OnTick(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed = elapsed
}

// Snapshot returns a consistent copy of the current counters along
// with an instantaneous records/sec estimate over the last call
// interval.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var rate float64
	if !s.windowStart.IsZero() {
		if d := now.Sub(s.windowStart).Seconds(); d > 0 {
			rate = float64(s.windowN) / d
		}
	}
	s.windowStart = now
	s.windowN = 0

	return Snapshot{
		Packets:      s.packets,
		ErrCount:     s.errs,
		OvfCount:     s.ovfs,
		ClipCount:    s.clips,
		TruncCount:   s.truncs,
		WTFSubframes: s.wtf,
		Elapsed:      s.elapsed,
		RecordsPerS:  rate,
	}
}

// Summary renders a one-line, human-readable session summary suitable
// for clipboard export.
func (snap Snapshot) Summary() string {
	return fmt.Sprintf(
		"elapsed=%s packets=%d rate=%.1f/s err=%d ovf=%d clip=%d trunc=%d wtf_subframe=%d",
		snap.Elapsed.Round(time.Millisecond), snap.Packets, snap.RecordsPerS,
		snap.ErrCount, snap.OvfCount, snap.ClipCount, snap.TruncCount, snap.WTFSubframes,
	)
}
