// Package device implements the analyzer's orchestrator (C12): it wires
// together the transport, protocol dispatcher, register windows, and
// capture handlers into the device's open/configure/capture/close
// lifecycle.
package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ovanalyzer/internal/dispatch"
	"ovanalyzer/internal/dummy"
	"ovanalyzer/internal/firmware"
	"ovanalyzer/internal/ioreg"
	"ovanalyzer/internal/lfsr"
	"ovanalyzer/internal/mmio"
	"ovanalyzer/internal/ovtypes"
	"ovanalyzer/internal/sdram"
	"ovanalyzer/internal/sniffer"
	"ovanalyzer/internal/transport"
	"ovanalyzer/internal/ulpi"
)

// Speed identifies the USB bus speed a capture session is believed to
// be operating at; it's written directly into the PHY's FUNC_CTL
// register, so its numeric value matters.
type Speed uint8

const (
	SpeedHigh Speed = 0
	SpeedFull Speed = 1
	SpeedLow  Speed = 2
)

const (
	ramSizeMiB  = 16
	ramSizeByte = ramSizeMiB * 1024 * 1024

	readBatchSize = 4096
)

// FPGAConfigurer abstracts the vendor-specific JTAG/MPSSE bitstream
// upload and status query. The analyzer's register protocol only
// becomes reachable once the FPGA is configured, so this collaborator
// is opaque on purpose: its implementation depends on the specific
// programming cable in use and isn't part of the wire protocol this
// module reimplements.
type FPGAConfigurer interface {
	// ConfigStatus reports whether the FPGA is currently configured.
	ConfigStatus() (bool, error)

	// LoadBitstream programs the FPGA with the given bitstream.
	LoadBitstream(bitstream []byte) error

	// UseExistingConfiguration re-initializes the host side driver
	// without reprogramming an already-configured FPGA.
	UseExistingConfiguration() error
}

// Device represents one analyzer, from unopened through capture and
// back to closed.
type Device struct {
	transport transport.Transport
	firmware  *firmware.Package
	fpga      FPGAConfigurer

	dispatcher *dispatch.Dispatcher
	io         *ioreg.Channel
	regs       mmio.Window
	ulpiRegs   mmio.Window

	sniffer *sniffer.Handler
	lfsr    *lfsr.Handler

	mu                sync.Mutex
	open              bool
	fpgaLoaded        bool
	ulpiClockVerified bool

	readCtx    context.Context
	readCancel context.CancelFunc
	readDone   chan struct{}
	readErr    atomic.Pointer[error]
}

// Open establishes and configures a new connection to the device. If
// reconfigureFPGA is false, an already-programmed FPGA is left alone.
func (d *Device) Open(ctx context.Context, reconfigureFPGA bool) error {
	d.mu.Lock()
	if d.open {
		d.mu.Unlock()
		return &ovtypes.PreconditionError{Reason: ovtypes.AlreadyOpen}
	}
	d.mu.Unlock()

	if err := d.transport.Open(ctx); err != nil {
		return err
	}

	if err := d.ConfigureFPGA(!reconfigureFPGA); err != nil {
		d.transport.Close()
		return err
	}

	d.startReader()
	d.applyDefaultLEDs()

	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
	return nil
}

// Close terminates the connection. It is a no-op if the device is not
// open. A fault the background reader hit that has not yet been
// reported is returned here.
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil
	}
	d.open = false
	d.mu.Unlock()

	d.stopReader()
	closeErr := d.transport.Close()
	if err := d.readerFault(); err != nil {
		return err
	}
	return closeErr
}

func (d *Device) sendPacket(raw []byte) error {
	_, err := d.transport.Write(transport.InterfaceA, raw)
	return err
}

func (d *Device) startReader() {
	d.readCtx, d.readCancel = context.WithCancel(context.Background())
	d.readDone = make(chan struct{})

	go func() {
		defer close(d.readDone)
		err := d.transport.ReadStream(d.readCtx, transport.InterfaceA, readBatchSize, func(chunk []byte) bool {
			if err := d.dispatcher.HandleBytes(chunk); err != nil {
				d.readErr.Store(&err)
				return false
			}
			return true
		})
		if err != nil && d.readCtx.Err() == nil {
			d.readErr.Store(&err)
		}
	}()
}

func (d *Device) stopReader() {
	if d.readCancel == nil {
		return
	}
	d.readCancel()
	<-d.readDone
}

// readerFault returns the error (if any) the background reader
// encountered, clearing it so it's only surfaced once.
func (d *Device) readerFault() error {
	p := d.readErr.Swap(nil)
	if p == nil {
		return nil
	}
	return *p
}

func (d *Device) applyDefaultLEDs() {
	d.regs.Write("LEDS_MUX_2", 0)
	d.regs.Write("LEDS_OUT", 0)
	d.regs.Write("LEDS_MUX_0", 2)
	d.regs.Write("LEDS_MUX_1", 2)
}

// ConfigureFPGA programs the device's FPGA. If skipIfConfigured is
// true and the FPGA already reports as configured, the existing
// configuration is reused instead of being reprogrammed.
func (d *Device) ConfigureFPGA(skipIfConfigured bool) error {
	configured, err := d.fpga.ConfigStatus()
	if err != nil {
		return err
	}

	if skipIfConfigured && configured {
		d.mu.Lock()
		d.fpgaLoaded = true
		d.mu.Unlock()
		return d.fpga.UseExistingConfiguration()
	}

	bitstream, err := d.firmware.Bitstream()
	if err != nil {
		return err
	}
	if err := d.fpga.LoadBitstream(bitstream); err != nil {
		return &ovtypes.ConfigError{Reason: ovtypes.BadBitstream, Err: err}
	}

	d.mu.Lock()
	d.fpgaLoaded = true
	d.mu.Unlock()
	return nil
}

// FPGAConfigured reports whether the device's FPGA is currently
// programmed. When useCached is true, the last-known state is
// returned without re-querying the hardware.
func (d *Device) FPGAConfigured(useCached bool) (bool, error) {
	d.mu.Lock()
	open := d.open
	cached := d.fpgaLoaded
	d.mu.Unlock()
	if !open {
		return false, &ovtypes.PreconditionError{Reason: ovtypes.NotOpen}
	}
	if useCached {
		return cached, nil
	}

	configured, err := d.fpga.ConfigStatus()
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	d.fpgaLoaded = configured
	d.mu.Unlock()
	return configured, nil
}

// RegisterSink registers a sink that receives every USB packet decoded
// during an armed capture session.
func (d *Device) RegisterSink(s sniffer.Sink) {
	d.sniffer.RegisterSink(s)
}

// LFSRStats returns the running link-quality self-check counters (C5).
func (d *Device) LFSRStats() lfsr.Stats {
	return d.lfsr.Stats()
}

func (d *Device) stopCaptureToRAM() {
	d.regs.Write("SDRAM_SINK_GO", 0)
}

func (d *Device) stopStreamingRAMToHost() {
	d.regs.Write("SDRAM_HOST_READ_GO", 0)
	d.regs.Write("CSTREAM_CFG", 0)
}

func (d *Device) deviceStopCapture() {
	d.stopCaptureToRAM()
	d.stopStreamingRAMToHost()
}

func (d *Device) startCaptureToRAM() {
	d.regs.Write("SDRAM_SINK_GO", 1)
}

func (d *Device) startStreamingRAMToHost() {
	d.regs.Write("SDRAM_HOST_READ_GO", 1)
	d.regs.Write("CSTREAM_CFG", 1)
}

func (d *Device) deviceStartCapture() {
	d.startCaptureToRAM()
	d.startStreamingRAMToHost()
}

func (d *Device) initializeSDRAMRingbuffer(base, size uint32) {
	if size == 0 {
		size = ramSizeByte
	}
	end := base + size

	d.stopCaptureToRAM()
	d.stopStreamingRAMToHost()

	d.regs.Write("SDRAM_SINK_RING_BASE", base)
	d.regs.Write("SDRAM_SINK_RING_END", end)
	d.regs.Write("SDRAM_HOST_READ_RING_BASE", base)
	d.regs.Write("SDRAM_HOST_READ_RING_END", end)
}

// ResetPerformanceCounters zeroes the device's on-board capture
// statistics (overflow/clip/truncate counters).
func (d *Device) ResetPerformanceCounters() {
	d.regs.Write("OVF_INSERT_CTL", 1)
	d.regs.Write("OVF_INSERT_CTL", 0)
}

func (d *Device) setUpPHYForCapture(speed Speed) error {
	flags := uint32(speed) | uint32(ulpi.OperatingModeNonDriving) | uint32(ulpi.PhyPowered)
	return d.ulpiRegs.Write("FUNC_CTL", flags)
}

// RunCapture drives a full capture session: arming the ring buffer and
// PHY, starting capture, polling statisticsCallback every
// statisticsPeriod until haltCallback reports true or ctx is canceled,
// then always stopping capture on the way out.
func (d *Device) RunCapture(ctx context.Context, speed Speed, statisticsCallback func(*Device, time.Duration), statisticsPeriod time.Duration, haltCallback func(time.Duration) bool) error {
	d.initializeSDRAMRingbuffer(0, 0)
	if err := d.setUpPHYForCapture(speed); err != nil {
		return err
	}

	d.deviceStartCapture()
	defer d.deviceStopCapture()

	if statisticsPeriod <= 0 {
		statisticsPeriod = 100 * time.Millisecond
	}
	if haltCallback == nil {
		haltCallback = func(time.Duration) bool { return false }
	}

	var elapsed time.Duration
	for !haltCallback(elapsed) {
		if err := d.readerFault(); err != nil {
			return err
		}
		if statisticsCallback != nil {
			statisticsCallback(d, elapsed)
		}

		select {
		case <-ctx.Done():
			return ovtypes.ErrCaptureInterrupted
		case <-time.After(statisticsPeriod):
		}
		elapsed += statisticsPeriod
	}

	return d.readerFault()
}

// EnsureCaptureStopped cleanly terminates any in-progress capture.
func (d *Device) EnsureCaptureStopped() {
	d.deviceStopCapture()
}

// ulpiClockIsUp reports whether the FPGA's ULPI clock domain is up,
// caching a positive result (the clock, once up, doesn't go back down
// during a session).
func (d *Device) ulpiClockIsUp() (bool, error) {
	d.mu.Lock()
	if d.ulpiClockVerified {
		d.mu.Unlock()
		return true, nil
	}
	d.mu.Unlock()

	v, err := d.regs.Read("ucfg_stat")
	if err != nil {
		return false, err
	}
	up := v&0x1 != 0
	if up {
		d.mu.Lock()
		d.ulpiClockVerified = true
		d.mu.Unlock()
	}
	return up, nil
}

// regsAdapter exposes d.regs as ulpi.ParentRegs without exporting the
// mmio.Window's concrete type to the ulpi package.
type regsAdapter struct{ d *Device }

func (a regsAdapter) Read(name string) (uint32, error)      { return a.d.regs.Read(name) }
func (a regsAdapter) Write(name string, value uint32) error { return a.d.regs.Write(name, value) }

var _ ulpi.ParentRegs = regsAdapter{}

// New builds a Device wired for the given transport and firmware
// package, but does not open it.
func New(t transport.Transport, fw *firmware.Package, fpga FPGAConfigurer) (*Device, error) {
	table, err := fw.RegisterMap()
	if err != nil {
		return nil, err
	}

	d := &Device{transport: t, firmware: fw, fpga: fpga}

	d.io = ioreg.New(d.sendPacket)
	d.regs = mmio.NewWindow(table, d.io)
	d.ulpiRegs = ulpi.NewWindow(regsAdapter{d: d}, d.ulpiClockIsUp)

	d.sniffer = sniffer.New(true)
	d.lfsr = lfsr.New()

	nested := dispatch.New()
	nested.Register(d.sniffer)
	sdramHandler := sdram.New(nested)

	d.dispatcher = dispatch.New()
	d.dispatcher.Register(d.io)
	d.dispatcher.Register(d.lfsr)
	d.dispatcher.Register(d.sniffer)
	d.dispatcher.Register(sdramHandler)
	d.dispatcher.Register(dummy.New())

	return d, nil
}

