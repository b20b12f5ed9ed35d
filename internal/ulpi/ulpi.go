// Package ulpi presents the fixed register table of a USB3343-family ULPI
// transceiver (C8), layered indirectly on top of a parent MMIO window via
// a command/data register pair.
package ulpi

import (
	"fmt"
	"time"

	"ovanalyzer/internal/mmio"
	"ovanalyzer/internal/ovtypes"
)

// FuncCtl is the bitmask type for the ULPI FUNC_CTL register. Its fields
// aren't contiguous, so it's modeled as named constants rather than an
// iota-derived enum.
type FuncCtl uint8

const (
	PhyPowered FuncCtl = 1 << 6
	PhyReset   FuncCtl = 1 << 5

	OperatingModeNormal      FuncCtl = 0b00 << 3
	OperatingModeNonDriving  FuncCtl = 0b01 << 3
	OperatingModeUnencoded   FuncCtl = 0b10 << 3
	OperatingModeManual      FuncCtl = 0b11 << 3

	ApplyTerminationResistors FuncCtl = 1 << 2
)

// registerAddresses is the fixed USB3343 register file, ported verbatim
// from OVMemoryWindow's USB334xMemoryWindow.REGISTER_ADDRESSES.
var registerAddresses = map[string]uint16{
	"VIDL": 0x00,
	"VIDH": 0x01,
	"PIDL": 0x02,
	"PIDH": 0x03,

	"FUNC_CTL":     0x04,
	"FUNC_CTL_SET": 0x05,
	"FUNC_CTL_CLR": 0x06,

	"INTF_CTL":     0x07,
	"INTF_CTL_SET": 0x08,
	"INTF_CTL_CLR": 0x09,

	"OTG_CTL":     0x0A,
	"OTG_CTL_SET": 0x0B,
	"OTG_CTL_CLR": 0x0C,

	"USB_INT_EN_RISE":     0x0D,
	"USB_INT_EN_RISE_SET": 0x0E,
	"USB_INT_EN_RISE_CLR": 0x0F,

	"USB_INT_EN_FALL":     0x10,
	"USB_INT_EN_FALL_SET": 0x11,
	"USB_INT_EN_FALL_CLR": 0x12,

	"USB_INT_STAT":  0x13,
	"USB_INT_LATCH": 0x14,

	"DEBUG": 0x15,

	"SCRATCH":     0x16,
	"SCRATCH_SET": 0x17,
	"SCRATCH_CLR": 0x18,

	"CARKIT":     0x19,
	"CARKIT_SET": 0x1A,
	"CARKIT_CLR": 0x1B,

	"CARKIT_INT_EN":     0x1D,
	"CARKIT_INT_EN_SET": 0x1E,
	"CARKIT_INT_EN_CLR": 0x1F,

	"CARKIT_INT_STAT":  0x20,
	"CARKIT_INT_LATCH": 0x21,

	"HS_COMP_REG":   0x31,
	"USBIF_CHG_DET": 0x32,
	"HS_AUD_MODE":   0x33,

	"VND_RID_CONV":     0x36,
	"VND_RID_CONV_SET": 0x37,
	"VND_RID_CONV_CLR": 0x38,

	"USBIO_PWR_MGMT":     0x39,
	"USBIO_PWR_MGMT_SET": 0x3A,
	"USBIO_PWR_MGMT_CLR": 0x3B,
}

// NewTable builds the fixed single-byte-register table for the USB3343.
func NewTable() mmio.Table {
	entries := make(map[string]struct {
		Address uint16
		Size    uint8
	}, len(registerAddresses))
	for name, addr := range registerAddresses {
		entries[name] = struct {
			Address uint16
			Size    uint8
		}{Address: addr, Size: 1}
	}
	table, err := mmio.NewTable(entries)
	if err != nil {
		// The fixed table is a compile-time constant; a collision here
		// would be a programmer error, not a runtime condition.
		panic(err)
	}
	return table
}

const (
	accessActive     = 0x80
	addressMask      = 0x3F
	pollInterval     = 10 * time.Microsecond
	pollMaxAttempts  = 10000
)

// ParentRegs is the subset of the parent MMIO window (C7) the ULPI facade
// drives indirectly: the ucfg command/data register pair.
type ParentRegs interface {
	Read(name string) (uint32, error)
	Write(name string, value uint32) error
}

// byteIO adapts the indirect ULPI access protocol to mmio.ByteIO so a
// mmio.Window can be built over it transparently.
type byteIO struct {
	parent      ParentRegs
	clockUpFunc func() (bool, error)
}

// NewWindow builds the ULPI register window over parent. clockUp
// reports whether UCFG_STAT & 0x01 is asserted; every access checks it
// first (a device typically isn't capture-ready at construction time,
// so the check is deferred to each ReadByte/WriteByte rather than
// performed once up front).
func NewWindow(parent ParentRegs, clockUp func() (bool, error)) mmio.Window {
	return mmio.NewWindow(NewTable(), &byteIO{parent: parent, clockUpFunc: clockUp})
}

func (b *byteIO) ReadByte(addr uint16) (uint8, error) {
	if err := b.assertClockUp(); err != nil {
		return 0, err
	}

	if err := b.parent.Write("ucfg_rcmd", uint32(accessActive|int(addr)&addressMask)); err != nil {
		return 0, err
	}

	if err := b.pollUntilIdle("ucfg_rcmd"); err != nil {
		return 0, err
	}

	v, err := b.parent.Read("ucfg_rdata")
	return uint8(v), err
}

func (b *byteIO) WriteByte(addr uint16, value uint8) error {
	if err := b.assertClockUp(); err != nil {
		return err
	}

	if err := b.parent.Write("ucfg_wdata", uint32(value)); err != nil {
		return err
	}
	if err := b.parent.Write("ucfg_wcmd", uint32(accessActive|int(addr)&addressMask)); err != nil {
		return err
	}

	return b.pollUntilIdle("ucfg_wcmd")
}

func (b *byteIO) assertClockUp() error {
	up, err := b.clockUpFunc()
	if err != nil {
		return err
	}
	if !up {
		return &ovtypes.PreconditionError{Reason: ovtypes.ClockDown}
	}
	return nil
}

// pollUntilIdle busy-waits until the ACCESS_ACTIVE bit of the named
// command register clears, bounding the loop against a wedged FPGA.
func (b *byteIO) pollUntilIdle(cmdReg string) error {
	for i := 0; i < pollMaxAttempts; i++ {
		v, err := b.parent.Read(cmdReg)
		if err != nil {
			return err
		}
		if v&accessActive == 0 {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("ulpi: %s never cleared ACCESS_ACTIVE", cmdReg)
}
