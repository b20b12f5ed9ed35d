// Package sniffer implements the capture framing handler (C11): it
// recognizes the device's sniffer control/record frames, tracks the
// FIRST/LAST arming window, and hands each captured USB packet to the
// decoder and any registered sinks.
package sniffer

import (
	"sync"

	"ovanalyzer/internal/usbdecode"
)

const (
	magicControl = 0xAC
	magicControlAlt = 0xAD
	magicRecord  = 0xA0
)

// Flag bits carried in a capture record's header, ported from sniffer.py.
const (
	FlagErr   = 0x01
	FlagOvf   = 0x02
	FlagClip  = 0x04
	FlagTrunc = 0x08
	FlagFirst = 0x10
	FlagLast  = 0x20
)

// Sink receives every decoded packet for the duration of an armed
// capture session.
type Sink interface {
	OnPacket(usbdecode.Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(usbdecode.Event)

func (f SinkFunc) OnPacket(ev usbdecode.Event) { f(ev) }

// Handler accepts the sniffer's two control tokens (0xAC/0xAD, fixed
// 2-byte, reserved/discarded) and its variable-length capture records
// (0xA0).
type Handler struct {
	mu      sync.Mutex
	decoder *usbdecode.State
	sinks   []Sink
	armed   bool
}

// New builds a sniffer handler. highspeed enables microframe tracking
// in the underlying decoder.
func New(highspeed bool) *Handler {
	return &Handler{decoder: usbdecode.NewState(highspeed)}
}

// RegisterSink adds a sink that receives every decoded packet while a
// capture is armed. Safe to call concurrently with capture in
// progress.
func (h *Handler) RegisterSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Copy-on-write so OnPacket delivery never races a concurrent
	// registration.
	next := make([]Sink, len(h.sinks)+1)
	copy(next, h.sinks)
	next[len(h.sinks)] = s
	h.sinks = next
}

// Armed reports whether a FIRST record has been seen without a
// matching LAST.
func (h *Handler) Armed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.armed
}

// Accepts implements dispatch.Handler.
func (h *Handler) Accepts(m byte) bool {
	return m == magicControl || m == magicControlAlt || m == magicRecord
}

// NeedToSize implements dispatch.Handler.
func (h *Handler) NeedToSize(magic byte) int {
	if magic == magicRecord {
		return 5
	}
	return 2
}

// LengthOf implements dispatch.Handler: 0xA0 records carry an 8-byte
// header (magic, flags_lo, flags_hi, len_lo, len_hi, ts0, ts1, ts2)
// followed by the raw packet bytes, with no trailing padding.
func (h *Handler) LengthOf(prefix []byte) int {
	if prefix[0] == magicRecord {
		payloadLen := int(prefix[3]) | int(prefix[4])<<8
		return 8 + payloadLen
	}
	return 2
}

// Handle implements dispatch.Handler.
func (h *Handler) Handle(buf []byte) error {
	if buf[0] != magicRecord {
		return nil // 0xAC/0xAD: reserved control tokens, discarded
	}

	flags := uint16(buf[1]) | uint16(buf[2])<<8
	ts := uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7])<<16
	payload := buf[8:]

	h.mu.Lock()
	if flags&FlagFirst != 0 {
		h.armed = true
	}
	armed := h.armed
	if flags&FlagLast != 0 {
		h.armed = false
	}
	h.mu.Unlock()

	if !armed {
		return nil
	}

	ev := h.decoder.Decode(ts, payload, flags)

	h.mu.Lock()
	sinks := h.sinks
	h.mu.Unlock()
	for _, s := range sinks {
		s.OnPacket(ev)
	}

	return nil
}
