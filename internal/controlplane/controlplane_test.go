package controlplane

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ovanalyzer/internal/device"
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

type fakeFPGA struct{ configured bool }

func (f *fakeFPGA) ConfigStatus() (bool, error)     { return f.configured, nil }
func (f *fakeFPGA) LoadBitstream([]byte) error      { f.configured = true; return nil }
func (f *fakeFPGA) UseExistingConfiguration() error { return nil }

// ioLoopback echoes every 0x55 register request; reads of ucfg_stat
// (0x30) answer 0x01 so the ULPI clock reports as up.
func ioLoopback(_ transport.Interface, buf []byte) []byte {
	if len(buf) != 5 || buf[0] != 0x55 {
		return nil
	}
	if buf[1] == 0x00 && buf[2] == 0x30 {
		return []byte{0x55, 0x00, 0x30, 0x01, 0x86}
	}
	return buf
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	bw, _ := zw.Create("ov3.bit")
	bw.Write([]byte{0x01})
	rw, _ := zw.Create("map.txt")
	rw.Write([]byte(testRegisterMap))
	zw.Close()

	fw, err := firmware.Open(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	ft := transport.NewFakeTransport()
	ft.SetResponder(ioLoopback)

	dev, err := device.New(ft, fw, &fakeFPGA{})
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Open(context.Background(), false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	return New(dev, func() (uint64, bool) { return 0, false })
}

func TestHealthzReportsFPGAConfigured(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected status: %v", body)
	}
	if body["fpga_configured"] != true {
		t.Fatalf("expected fpga_configured=true, got %v", body)
	}
}

func TestStartStopStatsLifecycle(t *testing.T) {
	srv := newTestServer(t)

	startReq := httptest.NewRequest(http.MethodPost, "/capture/start", bytes.NewReader([]byte(`{"speed":0}`)))
	startReq.Header.Set("Content-Type", "application/json")
	startRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", startRec.Code, startRec.Body.String())
	}

	statsReq := httptest.NewRequest(http.MethodGet, "/capture/stats", nil)
	statsRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(statsRec, statsReq)
	var stats Stats
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if !stats.Capturing {
		t.Fatal("expected capturing=true while a capture is running")
	}

	stopReq := httptest.NewRequest(http.MethodPost, "/capture/stop", nil)
	stopRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(stopRec, stopReq)
	if stopRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", stopRec.Code, stopRec.Body.String())
	}
}
