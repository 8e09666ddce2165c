// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owb

import (
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// Line is a 1-wire line driver: reset pulse, presence detection and bit
// slots. Bits are sent and received least significant bit first.
type Line interface {
	// Reset issues a reset pulse and reports whether at least one device
	// answered with a presence pulse. It fails when the line does not
	// return to idle.
	Reset() (present bool, err error)
	// WriteBits sends the first n bits of w.
	WriteBits(w []byte, n int) error
	// ReadBits issues n read slots and stores the result in r. Bits of r
	// past n in the last byte touched are cleared.
	ReadBits(r []byte, n int) error
}

// Tripleter is implemented by line drivers that perform the search triplet
// (two read slots and one write slot) in hardware.
type Tripleter interface {
	Triplet(direction byte) (onewire.TripletResult, error)
}

// Pullupper is implemented by line drivers that can hold the line with a
// strong pull-up once the next WriteBits or ReadBits call has sent its last
// slot. The pull-up is released by the next reset.
type Pullupper interface {
	ArmStrongPullup() error
}

// Command alphabet.
const (
	CmdSearchROM      = 0xf0
	CmdAlarmSearch    = 0xec
	CmdReadROM        = 0x33
	CmdMatchROM       = 0x55
	CmdSkipROM        = 0xcc
	CmdConvertT       = 0x44
	CmdWriteScratch   = 0x4e
	CmdReadScratch    = 0xbe
	CmdCopyScratch    = 0x48
	CmdReadPowerState = 0xb4
)

// Bus is a 1-wire bus adapter. It implements onewire.Bus and
// onewire.BusSearcher.
//
// Bus does no locking of its own. When it is shared between goroutines the
// embedded mutex must be held for the whole of a multi-transaction sequence,
// such as a conversion followed by the readout of every device.
type Bus struct {
	sync.Mutex
	line Line
	crc  bool // verify CRC of ROM codes
}

// New returns a Bus driving l. ROM code CRC checking is disabled.
func New(l Line) *Bus {
	return &Bus{line: l}
}

func (b *Bus) String() string {
	if s, ok := b.line.(fmt.Stringer); ok {
		return "owb{" + s.String() + "}"
	}
	return "owb"
}

// SetCRCEnabled toggles CRC verification of ROM codes returned by search,
// verify and read ROM operations.
func (b *Bus) SetCRCEnabled(on bool) {
	b.crc = on
}

// CRCEnabled reports whether ROM code CRCs are checked.
func (b *Bus) CRCEnabled() bool {
	return b.crc
}

// Reset issues a reset pulse and returns true if any device asserted
// presence.
func (b *Bus) Reset() (bool, error) {
	present, err := b.line.Reset()
	if err != nil {
		return false, lineErr("reset", err)
	}
	return present, nil
}

// WriteBits sends the first n bits of w, least significant bit first.
func (b *Bus) WriteBits(w []byte, n int) error {
	if n < 0 || n > 8*len(w) {
		return fmt.Errorf("owb: cannot write %d bits from %d bytes", n, len(w))
	}
	if err := b.line.WriteBits(w, n); err != nil {
		return lineErr("write", err)
	}
	return nil
}

// ReadBits reads n bits into r, least significant bit first.
func (b *Bus) ReadBits(r []byte, n int) error {
	if n < 0 || n > 8*len(r) {
		return fmt.Errorf("owb: cannot read %d bits into %d bytes", n, len(r))
	}
	if err := b.line.ReadBits(r, n); err != nil {
		return lineErr("read", err)
	}
	return nil
}

// Tx performs a bus transaction: reset, write w, read r. With
// onewire.StrongPullup the line is held by a strong pull-up after the last
// slot, if the line driver supports it.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	present, err := b.Reset()
	if err != nil {
		return err
	}
	if !present {
		return ErrNoDevices
	}
	pull := power == onewire.StrongPullup
	if len(w) > 0 {
		if pull && len(r) == 0 {
			if err := b.armPullup(); err != nil {
				return err
			}
		}
		if err := b.WriteBits(w, 8*len(w)); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		if pull {
			if err := b.armPullup(); err != nil {
				return err
			}
		}
		return b.ReadBits(r, 8*len(r))
	}
	return nil
}

func (b *Bus) armPullup() error {
	p, ok := b.line.(Pullupper)
	if !ok {
		return nil
	}
	if err := p.ArmStrongPullup(); err != nil {
		return lineErr("strong pull-up", err)
	}
	return nil
}

// SearchTriplet performs a single bit of the search walk: two read slots
// followed by the write of the selected direction.
//
// SearchTriplet should not be used directly, use Search or SearchStep.
func (b *Bus) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	if t, ok := b.line.(Tripleter); ok {
		tr, err := t.Triplet(direction)
		if err != nil {
			return tr, lineErr("triplet", err)
		}
		return tr, nil
	}
	var bits [1]byte
	if err := b.ReadBits(bits[:], 2); err != nil {
		return onewire.TripletResult{}, err
	}
	tr := onewire.TripletResult{
		GotZero: bits[0]&1 == 0,
		GotOne:  bits[0]&2 == 0,
	}
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotZero:
		tr.Taken = 0
	default:
		// Also covers the case where no device answered.
		tr.Taken = 1
	}
	if err := b.WriteBits([]byte{tr.Taken}, 1); err != nil {
		return onewire.TripletResult{}, err
	}
	return tr, nil
}

// Search performs a search walk and returns the address of every device, or
// of the devices in alarm state when alarmOnly is set.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	cmd := byte(CmdSearchROM)
	if alarmOnly {
		cmd = CmdAlarmSearch
	}
	roms, err := enumerate(b, cmd, 0)
	addrs := make([]onewire.Address, len(roms))
	for i, r := range roms {
		addrs[i] = r.Address()
	}
	return addrs, err
}

// ReadROM reads the ROM code of the only device on the bus. With more than
// one device the answers collide and the CRC check, if enabled, fails.
func (b *Bus) ReadROM() (ROMCode, error) {
	var r ROMCode
	if err := b.Tx([]byte{CmdReadROM}, r[:], onewire.WeakPullup); err != nil {
		return r, err
	}
	if b.crc && !r.Valid() {
		return r, &CRCError{ROM: r}
	}
	return r, nil
}

// Halt implements conn.Resource.
func (b *Bus) Halt() error {
	if h, ok := b.line.(conn.Resource); ok {
		return h.Halt()
	}
	return nil
}

// Close closes the line driver if it is an io.Closer.
func (b *Bus) Close() error {
	if c, ok := b.line.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ onewire.BusSearcher = &Bus{}
var _ conn.Resource = &Bus{}
