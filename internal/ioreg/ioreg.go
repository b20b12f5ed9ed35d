// Package ioreg implements the synchronous register-byte read/write
// channel (C3): it turns the asynchronous, dispatcher-delivered 0x55
// response frames into blocking Read/Write calls for a caller goroutine.
package ioreg

import (
	"sync"
	"time"

	"ovanalyzer/internal/ovtypes"
)

const (
	magic = 0x55

	// writeRequestFlag marks a command as a write in the 15-bit cmd field.
	writeRequestFlag = 0x8000
)

// Sender transmits a raw packet to the device (typically the device
// orchestrator's send_packet, itself backed by the transport).
type Sender func(packet []byte) error

// response pairs the echoed cmd with its resulting value byte, delivered
// by Handle (invoked on the reader thread) to a waiting caller goroutine.
type response struct {
	cmd   uint16
	value uint8
}

// Channel is the 0x55 request/response handler. One outstanding request
// per cmd is the common case; each cmd gets its own one-shot channel so
// pipelined requests against distinct addresses never block each other,
// while responses are still matched strictly in dispatcher delivery order.
type Channel struct {
	send Sender

	mu      sync.Mutex
	waiters map[uint16]chan response
}

// New builds an I/O channel that uses send to transmit request frames.
func New(send Sender) *Channel {
	return &Channel{
		send:    send,
		waiters: make(map[uint16]chan response),
	}
}

// Accepts implements dispatch.Handler.
func (c *Channel) Accepts(m byte) bool { return m == magic }

// NeedToSize implements dispatch.Handler: the fixed 5-byte frame is known
// from the magic byte alone.
func (c *Channel) NeedToSize(byte) int { return 5 }

// LengthOf implements dispatch.Handler.
func (c *Channel) LengthOf([]byte) int { return 5 }

// Handle implements dispatch.Handler: validates the checksum and wakes the
// matching waiter, if any is outstanding.
func (c *Channel) Handle(buf []byte) error {
	computed := (int(buf[0]) + int(buf[1]) + int(buf[2]) + int(buf[3])) & 0xFF
	if computed != int(buf[4]) {
		return &ovtypes.ProtocolError{Reason: ovtypes.BadChecksum}
	}

	cmd := uint16(buf[1])<<8 | uint16(buf[2])
	resp := response{cmd: cmd, value: buf[3]}

	c.mu.Lock()
	ch, ok := c.waiters[cmd]
	if ok {
		delete(c.waiters, cmd)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
	// A response with no outstanding waiter (late, or duplicate device echo)
	// is silently dropped -- it cannot be attributed to any pending request.
	return nil
}

// ReadByte reads a single byte from addr, encoding addr < 0x8000.
func (c *Channel) ReadByte(addr uint16) (uint8, error) {
	return c.request(addr&0x7FFF, 0, 5*time.Second)
}

// WriteByte writes value to addr and waits for the device's echo.
func (c *Channel) WriteByte(addr uint16, value uint8) error {
	_, err := c.request(writeRequestFlag|addr, value, 5*time.Second)
	return err
}

// ReadByteTimeout and WriteByteTimeout give callers control over how long
// to wait for a response before surfacing ovtypes.TimeoutError.
func (c *Channel) ReadByteTimeout(addr uint16, timeout time.Duration) (uint8, error) {
	return c.request(addr&0x7FFF, 0, timeout)
}

func (c *Channel) WriteByteTimeout(addr uint16, value uint8, timeout time.Duration) error {
	_, err := c.request(writeRequestFlag|addr, value, timeout)
	return err
}

func (c *Channel) request(cmd uint16, value uint8, timeout time.Duration) (uint8, error) {
	wait := make(chan response, 1)

	c.mu.Lock()
	c.waiters[cmd] = wait
	c.mu.Unlock()

	packet := []byte{
		magic,
		byte(cmd >> 8),
		byte(cmd & 0xFF),
		value,
	}
	checksum := byte((int(packet[0]) + int(packet[1]) + int(packet[2]) + int(packet[3])) & 0xFF)
	packet = append(packet, checksum)

	if err := c.send(packet); err != nil {
		c.mu.Lock()
		delete(c.waiters, cmd)
		c.mu.Unlock()
		return 0, err
	}

	select {
	case resp := <-wait:
		if resp.cmd != cmd {
			return 0, &ovtypes.ProtocolError{Reason: ovtypes.CommandMismatch}
		}
		return resp.value, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.waiters, cmd)
		c.mu.Unlock()
		return 0, &ovtypes.TimeoutError{Op: "io access"}
	}
}
