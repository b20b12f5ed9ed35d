package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"ovanalyzer/internal/ovtypes"
)

// USBVendorID and USBProductID identify the analyzer's FTDI-based USB
// interface chip on the bus.
const (
	USBVendorID  = gousb.ID(0x0403)
	USBProductID = gousb.ID(0x6010)

	endpointOutA = 0x02
	endpointInA  = 0x81
	endpointOutB = 0x04
	endpointInB  = 0x83
)

// USBTransport drives the analyzer over libusb via gousb: it opens
// the device, then sends and receives packets over two bulk IN/OUT
// endpoint pairs, one for each of interfaces A and B.
type USBTransport struct {
	mu sync.Mutex

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface

	outA *gousb.OutEndpoint
	inA  *gousb.InEndpoint
	outB *gousb.OutEndpoint
	inB  *gousb.InEndpoint
}

// NewUSBTransport builds an unopened USB transport.
func NewUSBTransport() *USBTransport { return &USBTransport{} }

// Open implements Transport.
func (t *USBTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	gctx := gousb.NewContext()

	device, err := gctx.OpenDeviceWithVIDPID(USBVendorID, USBProductID)
	if err != nil {
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: err}
	}
	if device == nil {
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: fmt.Errorf("device not found (VID:0x%04x PID:0x%04x)", USBVendorID, USBProductID)}
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: err}
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: err}
	}

	outA, err := intf.OutEndpoint(endpointOutA)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: err}
	}
	inA, err := intf.InEndpoint(endpointInA)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: err}
	}
	outB, err := intf.OutEndpoint(endpointOutB)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: err}
	}
	inB, err := intf.InEndpoint(endpointInB)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		gctx.Close()
		return &ovtypes.TransportError{Op: "open", Err: err}
	}

	t.ctx = gctx
	t.device = device
	t.config = config
	t.intf = intf
	t.outA, t.inA = outA, inA
	t.outB, t.inB = outB, inB
	return nil
}

// Close implements Transport.
func (t *USBTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.config != nil {
		t.config.Close()
		t.config = nil
	}
	if t.device != nil {
		t.device.Close()
		t.device = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}

func (t *USBTransport) endpoints(intf Interface) (*gousb.OutEndpoint, *gousb.InEndpoint) {
	if intf == InterfaceB {
		return t.outB, t.inB
	}
	return t.outA, t.inA
}

// Write implements Transport.
func (t *USBTransport) Write(intf Interface, buf []byte) (int, error) {
	t.mu.Lock()
	out, _ := t.endpoints(intf)
	t.mu.Unlock()

	if out == nil {
		return 0, &ovtypes.PreconditionError{Reason: ovtypes.NotOpen}
	}

	n, err := out.Write(buf)
	if err != nil {
		return n, &ovtypes.TransportError{Op: "write", Err: err}
	}
	return n, nil
}

// ReadStream implements Transport.
func (t *USBTransport) ReadStream(ctx context.Context, intf Interface, batchSize int, cb func([]byte) bool) error {
	t.mu.Lock()
	_, in := t.endpoints(intf)
	t.mu.Unlock()

	if in == nil {
		return &ovtypes.PreconditionError{Reason: ovtypes.NotOpen}
	}

	buf := make([]byte, batchSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := in.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ovtypes.TransportError{Op: "read", Err: err}
		}
		if n > 0 && !cb(buf[:n]) {
			return nil
		}
	}
}
