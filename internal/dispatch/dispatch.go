// Package dispatch demultiplexes a single FTDI byte stream into typed
// sub-frames, routing each to the registered Handler that claims its
// leading magic byte.
package dispatch

import (
	"fmt"
	"log"
	"sync"

	"ovanalyzer/internal/ovtypes"
)

// Handler is a packet handler keyed by the magic byte(s) it accepts.
// Each handler owns its own parsing state and is invoked inline,
// synchronously, from the dispatcher.
type Handler interface {
	// Accepts reports whether this handler claims the given magic byte.
	Accepts(magic byte) bool

	// NeedToSize returns how many leading bytes the dispatcher must buffer
	// before LengthOf can compute the frame's total size.
	NeedToSize(magic byte) int

	// LengthOf returns the full frame length (including the magic byte),
	// given at least NeedToSize(prefix[0]) bytes of prefix.
	LengthOf(prefix []byte) int

	// Handle processes one complete, immutable frame. Implementations must
	// not retain or mutate the slice past the call.
	Handle(frame []byte) error
}

// Dispatcher accumulates bytes from the upstream stream and delivers
// complete frames to exactly one handler apiece, in stream order.
type Dispatcher struct {
	mu        sync.Mutex
	pending   []byte
	handlers  []Handler
	permissive bool
	verbose   bool
	name      string
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// Permissive makes the dispatcher log and drop a single byte on an
// unmatched magic instead of failing the session (the Python source's
// USE_STRICT_HANDLING=False path).
func Permissive() Option { return func(d *Dispatcher) { d.permissive = true } }

// Verbose enables a hexdump-style trace of bytes handed to each handler.
func Verbose(name string) Option {
	return func(d *Dispatcher) {
		d.verbose = true
		d.name = name
	}
}

// New builds an empty Dispatcher. Handlers are registered with Register.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register appends a handler. Handlers are tried in registration order;
// the first handler that Accepts a magic byte owns that frame.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// HandleBytes appends newly received bytes to the internal buffer and
// drains as many complete frames as are available, delivering each to its
// handler. It returns the first handler error encountered; callers (the
// reader thread) should treat any returned error as fatal for the session.
func (d *Dispatcher) HandleBytes(raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.verbose && len(raw) > 0 {
		log.Printf("%s> % 02x", d.name, raw)
	}

	d.pending = append(d.pending, raw...)

	for len(d.pending) > 0 {
		magic := d.pending[0]

		h := d.findHandler(magic)
		if h == nil {
			if d.permissive {
				log.Printf("%s> unmatched byte %02x - discarding", d.name, magic)
				d.pending = d.pending[1:]
				continue
			}
			return &ovtypes.ProtocolError{
				Reason: ovtypes.UnmatchedMagic,
				Detail: fmt.Sprintf("byte %02x", magic),
			}
		}

		need := h.NeedToSize(magic)
		if len(d.pending) < need {
			return nil // wait for more bytes
		}

		size := h.LengthOf(d.pending[:need])
		if size <= 0 || len(d.pending) < size {
			return nil // wait for more bytes
		}

		frame := d.pending[:size]
		if d.verbose {
			log.Printf("%s ---- %T handled % 02x (%d bytes remain)", d.name, h, frame, len(d.pending)-size)
		}

		if err := h.Handle(frame); err != nil {
			return err
		}
		d.pending = d.pending[size:]
	}

	return nil
}

func (d *Dispatcher) findHandler(magic byte) Handler {
	for _, h := range d.handlers {
		if h.Accepts(magic) {
			return h
		}
	}
	return nil
}
