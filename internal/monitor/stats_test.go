package monitor

import (
	"strings"
	"testing"
	"time"

	"ovanalyzer/internal/sniffer"
	"ovanalyzer/internal/usbdecode"
)

func TestOnPacketTalliesFlagsAndSubframes(t *testing.T) {
	s := NewSession()

	s.OnPacket(usbdecode.Event{Flags: sniffer.FlagErr})
	s.OnPacket(usbdecode.Event{Flags: sniffer.FlagOvf | sniffer.FlagClip})
	s.OnPacket(usbdecode.Event{Flags: sniffer.FlagTrunc, WTFSubframe: true})
	s.OnPacket(usbdecode.Event{})

	snap := s.Snapshot()
	if snap.Packets != 4 {
		t.Fatalf("expected 4 packets, got %d", snap.Packets)
	}
	if snap.ErrCount != 1 || snap.OvfCount != 1 || snap.ClipCount != 1 || snap.TruncCount != 1 {
		t.Fatalf("unexpected flag tallies: %+v", snap)
	}
	if snap.WTFSubframes != 1 {
		t.Fatalf("expected 1 subframe violation, got %d", snap.WTFSubframes)
	}
}

func TestOnTickRecordsElapsed(t *testing.T) {
	s := NewSession()
	s.OnTick(2500 * time.Millisecond)

	snap := s.Snapshot()
	if snap.Elapsed != 2500*time.Millisecond {
		t.Fatalf("expected elapsed=2.5s, got %s", snap.Elapsed)
	}
}

func TestSummaryIncludesAllCounters(t *testing.T) {
	s := NewSession()
	s.OnPacket(usbdecode.Event{Flags: sniffer.FlagErr})
	s.OnTick(time.Second)

	summary := s.Snapshot().Summary()
	for _, want := range []string{"packets=1", "err=1", "elapsed=1s", "rate=", "ovf=0", "clip=0", "trunc=0", "wtf_subframe=0"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("expected summary %q to contain %q", summary, want)
		}
	}
}
