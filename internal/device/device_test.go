package device

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"ovanalyzer/internal/firmware"
	"ovanalyzer/internal/transport"
)

const testRegisterMap = `
LEDS_MUX_0 = 0x00
LEDS_MUX_1 = 0x01
LEDS_MUX_2 = 0x02
LEDS_OUT = 0x03
SDRAM_SINK_GO = 0x04
SDRAM_HOST_READ_GO = 0x05
CSTREAM_CFG = 0x06
SDRAM_SINK_RING_BASE = 0x10:0x13
SDRAM_SINK_RING_END = 0x14:0x17
SDRAM_HOST_READ_RING_BASE = 0x18:0x1B
SDRAM_HOST_READ_RING_END = 0x1C:0x1F
OVF_INSERT_CTL = 0x20
ucfg_stat = 0x30
ucfg_rcmd = 0x31
ucfg_wcmd = 0x32
ucfg_rdata = 0x33
ucfg_wdata = 0x34
`

func buildTestFirmware(t *testing.T) *firmware.Package {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	bw, err := zw.Create("ov3.bit")
	if err != nil {
		t.Fatal(err)
	}
	bw.Write([]byte{0x01, 0x02, 0x03})

	rw, err := zw.Create("map.txt")
	if err != nil {
		t.Fatal(err)
	}
	rw.Write([]byte(testRegisterMap))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	pkg, err := firmware.Open(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

type fakeFPGA struct {
	configured bool
}

func (f *fakeFPGA) ConfigStatus() (bool, error)        { return f.configured, nil }
func (f *fakeFPGA) LoadBitstream([]byte) error         { f.configured = true; return nil }
func (f *fakeFPGA) UseExistingConfiguration() error    { return nil }

// ioLoopback synthesizes an echo for every 0x55 register request so
// mmio.Window reads/writes complete instantly in tests, without
// waiting on real hardware. Reads of ucfg_stat (0x30) answer 0x01 so
// the ULPI clock reports as up.
func ioLoopback(_ transport.Interface, buf []byte) []byte {
	if len(buf) != 5 || buf[0] != 0x55 {
		return nil
	}
	if buf[1] == 0x00 && buf[2] == 0x30 {
		return []byte{0x55, 0x00, 0x30, 0x01, 0x86}
	}
	return buf
}

func newTestDevice(t *testing.T) (*Device, *transport.FakeTransport) {
	t.Helper()
	ft := transport.NewFakeTransport()
	ft.SetResponder(ioLoopback)

	fw := buildTestFirmware(t)
	d, err := New(ft, fw, &fakeFPGA{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, ft
}

func TestOpenAppliesDefaultLEDsAndMarksOpen(t *testing.T) {
	d, ft := newTestDevice(t)
	ctx := context.Background()

	if err := d.Open(ctx, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.FPGAConfigured(true); err != nil {
		t.Fatalf("FPGAConfigured: %v", err)
	}

	// LEDS_MUX_0 (0x00) and LEDS_MUX_1 (0x01) must each be written with 2.
	for _, addr := range []byte{0x00, 0x01} {
		found := false
		for _, w := range ft.Writes() {
			if len(w) == 5 && w[0] == 0x55 && w[1] == 0x80 && w[2] == addr && w[3] == 2 {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected a write of 2 to LED mux register 0x%02x", addr)
		}
	}
}

func TestDoubleOpenIsPrecondition(t *testing.T) {
	d, _ := newTestDevice(t)
	ctx := context.Background()
	if err := d.Open(ctx, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.Open(ctx, false); err == nil {
		t.Fatal("expected second Open to fail")
	}
}

func TestRunCaptureHaltsOnCallback(t *testing.T) {
	d, _ := newTestDevice(t)
	ctx := context.Background()
	if err := d.Open(ctx, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	ticks := 0
	err := d.RunCapture(ctx, SpeedHigh, func(*Device, time.Duration) {
		ticks++
	}, time.Millisecond, func(time.Duration) bool {
		return ticks >= 3
	})
	if err != nil {
		t.Fatalf("RunCapture: %v", err)
	}
	if ticks < 3 {
		t.Fatalf("expected at least 3 statistics ticks, got %d", ticks)
	}
}

func TestRunCaptureStopsOnContextCancel(t *testing.T) {
	d, _ := newTestDevice(t)
	ctx := context.Background()
	if err := d.Open(ctx, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	captureCtx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.RunCapture(captureCtx, SpeedHigh, nil, time.Millisecond, func(time.Duration) bool { return false })
	if err == nil {
		t.Fatal("expected RunCapture to report interruption")
	}
}
