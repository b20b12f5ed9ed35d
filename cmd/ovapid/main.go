// Command ovapid runs the analyzer's control-plane daemon: it opens
// the device, wires the HTTP lifecycle API (§4.9), and serves it
// until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ovanalyzer/internal/controlplane"
	"ovanalyzer/internal/device"
	"ovanalyzer/internal/firmware"
	"ovanalyzer/internal/transport"
)

var (
	port            = flag.Int("port", 8080, "HTTP control-plane listen port")
	firmwarePath    = flag.String("firmware", "", "path to the ov3 firmware archive (default: $OV_FIRMWARE_PACKAGE, then a package shipped alongside the binary)")
	reconfigureFPGA = flag.Bool("reconfigure-fpga", false, "always reload the bitstream, even if the FPGA reports as already configured")
)

func main() {
	flag.Parse()

	path, err := firmware.ResolvePackagePath(*firmwarePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ovapid: %v\n", err)
		os.Exit(1)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("ovapid: reading firmware: %v", err)
	}
	fw, err := firmware.Open(raw)
	if err != nil {
		log.Fatalf("ovapid: opening firmware package: %v", err)
	}

	dev, err := device.New(transport.NewUSBTransport(), fw, &jtagConfigurer{})
	if err != nil {
		log.Fatalf("ovapid: building device: %v", err)
	}

	if err := dev.Open(context.Background(), *reconfigureFPGA); err != nil {
		log.Fatalf("ovapid: opening device: %v", err)
	}
	defer dev.Close()

	srv := controlplane.New(dev, func() (uint64, bool) {
		stats := dev.LFSRStats()
		return stats.Total, stats.Error
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("ovapid: control plane listening on :%d", *port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ovapid: server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("ovapid: shutting down")
	dev.EnsureCaptureStopped()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("ovapid: server shutdown error: %v", err)
	}

	log.Println("ovapid: stopped")
}

// jtagConfigurer is a placeholder FPGAConfigurer: the vendor-specific
// JTAG/MPSSE bitstream upload is an opaque collaborator out of scope
// for this wire-protocol reimplementation (§4.8). A production
// deployment supplies a real implementation at this seam.
type jtagConfigurer struct{}

func (jtagConfigurer) ConfigStatus() (bool, error) { return false, nil }
func (jtagConfigurer) LoadBitstream([]byte) error {
	return fmt.Errorf("ovapid: no FPGA programmer wired in this build")
}
func (jtagConfigurer) UseExistingConfiguration() error { return nil }

