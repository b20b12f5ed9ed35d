// Package transport provides the byte-stream link to the analyzer
// hardware (C1): a real libusb-backed transport plus an in-memory fake
// for tests.
package transport

import "context"

// Interface selects which of the device's two USB interfaces a
// transfer targets, mirroring the FTDI FT2232H's dual MPSSE channels
// (FTDIDevice.INTERFACE_A/B in the Python source).
type Interface int

const (
	InterfaceA Interface = iota
	InterfaceB
)

// Transport is the narrow abstraction the device orchestrator (C12)
// drives: open/close lifecycle, a synchronous write, and a streaming
// read loop that feeds a dispatcher.
type Transport interface {
	// Open acquires the underlying device handle.
	Open(ctx context.Context) error

	// Close releases the device handle. Safe to call on an already-closed
	// transport.
	Close() error

	// Write sends buf on the given interface, returning the number of
	// bytes written.
	Write(intf Interface, buf []byte) (int, error)

	// ReadStream reads batchSize-sized chunks from the given interface in
	// a loop, invoking cb with each chunk. It returns when cb returns
	// false, ctx is canceled, or a read error occurs.
	ReadStream(ctx context.Context, intf Interface, batchSize int, cb func([]byte) bool) error
}
