// Package sdram implements the SDRAM ring-buffer container handler
// (C4): the device batches sniffer records into SDRAM-backed container
// frames, which this handler unwraps and re-dispatches to a nested
// dispatcher.
package sdram

import "ovanalyzer/internal/dispatch"

const magic = 0xD0

// Handler accepts 0xD0 container frames: [magic, length, payload...],
// where payload is itself a stream of nested sub-frames (typically
// sniffer capture records) fed back through a nested dispatcher.
type Handler struct {
	inner *dispatch.Dispatcher
}

// New builds an SDRAM container handler that re-dispatches its
// unwrapped payload to inner, which must already have the sniffer (and
// any other nested) handlers registered.
func New(inner *dispatch.Dispatcher) *Handler {
	return &Handler{inner: inner}
}

// Accepts implements dispatch.Handler.
func (h *Handler) Accepts(m byte) bool { return m == magic }

// NeedToSize implements dispatch.Handler.
func (h *Handler) NeedToSize(byte) int { return 2 }

// LengthOf implements dispatch.Handler, ported from SDRAMHandler's
// `_packet_size = (buf[1] + 1) * 2 + 2`: the device reports container
// length in 16-bit words, biased by one word, plus the 2-byte header.
func (h *Handler) LengthOf(prefix []byte) int {
	return (int(prefix[1])+1)*2 + 2
}

// Handle implements dispatch.Handler: it strips the 2-byte container
// header and re-enters dispatch on the remaining bytes.
func (h *Handler) Handle(buf []byte) error {
	return h.inner.HandleBytes(buf[2:])
}
