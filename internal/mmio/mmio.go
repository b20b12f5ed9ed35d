// Package mmio presents a named-register view of a device's internal
// address space, on top of single-byte read/write collaborators.
package mmio

import (
	"fmt"
	"strconv"
	"strings"

	"ovanalyzer/internal/ovtypes"
)

// Register describes one named register: its base address and size in
// bytes. Registers of size greater than one are stored big-endian on the
// wire — the highest address holds the least-significant byte.
type Register struct {
	Name    string
	Address uint16
	Size    uint8
}

// endAddress returns the inclusive upper address of the register.
func (r Register) endAddress() uint16 { return r.Address + uint16(r.Size) - 1 }

// Table is an immutable name -> Register mapping, built once at
// construction and read-only thereafter (per the concurrency model: the
// register map is written once and read from many goroutines).
type Table struct {
	byName map[string]Register
}

// NewTable builds a Table from a map of name -> (address, size). Names are
// normalized to upper case; duplicate normalized names are a config error.
func NewTable(entries map[string]struct {
	Address uint16
	Size    uint8
}) (Table, error) {
	byName := make(map[string]Register, len(entries))
	for name, e := range entries {
		upper := strings.ToUpper(name)
		if _, dup := byName[upper]; dup {
			return Table{}, &ovtypes.ConfigError{
				Reason: ovtypes.BadRegisterMap,
				Err:    fmt.Errorf("duplicate register name %q", upper),
			}
		}
		size := e.Size
		if size == 0 {
			size = 1
		}
		byName[upper] = Register{Name: upper, Address: e.Address, Size: size}
	}
	return Table{byName: byName}, nil
}

// Lookup returns the register registered under name (case-insensitive).
func (t Table) Lookup(name string) (Register, bool) {
	r, ok := t.byName[strings.ToUpper(name)]
	return r, ok
}

// ResolveAddress accepts a register name, a hex-numeric string ("0x10" or
// "10"), or returns the address directly if the symbol is already a
// register. It mirrors OVMemoryWindow.resolve_address.
func (t Table) ResolveAddress(symbol string) (uint16, error) {
	if r, ok := t.Lookup(symbol); ok {
		return r.Address, nil
	}

	s := strings.TrimPrefix(strings.TrimPrefix(symbol, "0x"), "0X")
	if v, err := strconv.ParseUint(s, 16, 16); err == nil {
		return uint16(v), nil
	}

	return 0, fmt.Errorf("could not resolve symbol %q", symbol)
}

// LookupSymbol performs the reverse lookup used by diagnostic logging:
// "NAME/0xADDR" for an exact register match, or the bare hex address.
func (t Table) LookupSymbol(addr uint16) string {
	for _, r := range t.byName {
		if r.Address == addr {
			return fmt.Sprintf("%s/0x%02x", r.Name, addr)
		}
	}
	return fmt.Sprintf("%02x", addr)
}

// ByteIO is the pair of single-byte collaborators a Window is built on top
// of: typically the I/O handler's synchronous request/response channel.
type ByteIO interface {
	ReadByte(addr uint16) (uint8, error)
	WriteByte(addr uint16, value uint8) error
}

// Window is a named-register view over a Table, performing byte-wise
// big-endian reads and writes via a ByteIO collaborator.
type Window struct {
	Table Table
	io    ByteIO
}

// NewWindow builds a register window over the given table and byte I/O.
func NewWindow(table Table, io ByteIO) Window {
	return Window{Table: table, io: io}
}

// Read reads the named register, most-significant byte first.
func (w Window) Read(name string) (uint32, error) {
	r, ok := w.Table.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("tried to read from an unknown register %q", name)
	}
	var shadow uint32
	for i := uint8(0); i < r.Size; i++ {
		b, err := w.io.ReadByte(r.Address + uint16(i))
		if err != nil {
			return 0, err
		}
		shadow = (shadow << 8) | uint32(b)
	}
	return shadow, nil
}

// Write writes the named register, decomposing it into big-endian bytes.
func (w Window) Write(name string, value uint32) error {
	r, ok := w.Table.Lookup(name)
	if !ok {
		return fmt.Errorf("tried to write to an unknown register %q", name)
	}
	for i := uint8(0); i < r.Size; i++ {
		b := byte((value >> (8 * uint(i))) & 0xFF)
		if err := w.io.WriteByte(r.Address+uint16(r.Size)-1-uint16(i), b); err != nil {
			return err
		}
	}
	return nil
}

// ReadAddress resolves symbol (name, "0x..", or bare hex) and performs a
// single raw byte read at that address, bypassing register sizing.
func (w Window) ReadAddress(symbol string) (uint8, error) {
	addr, err := w.Table.ResolveAddress(symbol)
	if err != nil {
		return 0, err
	}
	return w.io.ReadByte(addr)
}
