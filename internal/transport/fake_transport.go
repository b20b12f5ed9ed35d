package transport

import (
	"context"
	"sync"
)

// FakeTransport is an in-memory Transport for driving end-to-end
// scenarios without real hardware: writes are recorded, and injected
// bytes are delivered to ReadStream's callback.
type FakeTransport struct {
	mu       sync.Mutex
	opened   bool
	writes   [][]byte
	inbox    chan []byte
	responder func(intf Interface, buf []byte) []byte
}

// SetResponder installs a function invoked synchronously after every
// Write; its non-nil return value is injected back as though the
// device had replied. Used by tests that need a register-access
// round trip without real hardware.
func (f *FakeTransport) SetResponder(fn func(intf Interface, buf []byte) []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = fn
}

// NewFakeTransport builds an unopened fake transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{inbox: make(chan []byte, 256)}
}

// Open implements Transport.
func (f *FakeTransport) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

// Close implements Transport.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = false
	return nil
}

// Write implements Transport, recording the buffer for test assertions.
func (f *FakeTransport) Write(intf Interface, buf []byte) (int, error) {
	f.mu.Lock()
	cp := append([]byte(nil), buf...)
	f.writes = append(f.writes, cp)
	responder := f.responder
	f.mu.Unlock()

	if responder != nil {
		if resp := responder(intf, cp); resp != nil {
			f.Inject(resp)
		}
	}
	return len(buf), nil
}

// Writes returns every buffer passed to Write so far, in order.
func (f *FakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Inject makes buf available to a running ReadStream call as though it
// arrived from the device.
func (f *FakeTransport) Inject(buf []byte) {
	f.inbox <- append([]byte(nil), buf...)
}

// ReadStream implements Transport by draining injected buffers.
func (f *FakeTransport) ReadStream(ctx context.Context, _ Interface, _ int, cb func([]byte) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf := <-f.inbox:
			if !cb(buf) {
				return nil
			}
		}
	}
}
