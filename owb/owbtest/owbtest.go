// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbtest is meant to be used to test drivers over a simulated 1-wire
// bus populated with DS18B20 thermometers.
//
// The simulation runs at the bit level: every device follows the read and
// write slots the way the silicon does, and read slots are the wired-AND of
// every device driving the line. It implements owb.Line and owb.Pullupper.
package owbtest

import (
	"errors"
	"sync"

	"github.com/GermanBionicSystems/owtemp/common"
	"github.com/GermanBionicSystems/owtemp/owb"
)

// IO is one recorded bus transaction, from a reset pulse up to the function
// command.
type IO struct {
	ROM   byte        // ROM command
	Match owb.ROMCode // code sent with MATCH ROM
	Func  byte        // function command, 0 if none was sent
	Pull  bool        // strong pull-up requested
}

// Bus is a simulated 1-wire bus.
type Bus struct {
	sync.Mutex
	Devices []*Device
	// Stuck makes every reset fail as if the line never returned to idle.
	Stuck bool
	// Trace holds one entry per transaction that went past the ROM command.
	Trace []IO
	// Resets counts the reset pulses.
	Resets int

	cur    int // index in Trace of the transaction in progress, -1 for none
	writes int // bits written since the last reset
	acc    uint64
	pull   bool
}

// NewBus returns a bus holding devs.
func NewBus(devs ...*Device) *Bus {
	return &Bus{Devices: devs, cur: -1}
}

func (b *Bus) String() string {
	return "owbtest"
}

// Reset implements owb.Line.
func (b *Bus) Reset() (bool, error) {
	b.Lock()
	defer b.Unlock()
	if b.Stuck {
		return false, errors.New("owbtest: line stuck low")
	}
	b.Resets++
	b.cur = -1
	b.writes = 0
	b.acc = 0
	b.pull = false
	present := false
	for _, d := range b.Devices {
		if d.reset() {
			present = true
		}
	}
	return present, nil
}

// WriteBits implements owb.Line.
func (b *Bus) WriteBits(w []byte, n int) error {
	b.Lock()
	defer b.Unlock()
	for i := 0; i < n; i++ {
		bit := (w[i/8] >> uint(i%8)) & 1
		b.record(bit)
		for _, d := range b.Devices {
			d.writeSlot(bit)
		}
	}
	return nil
}

// ReadBits implements owb.Line.
func (b *Bus) ReadBits(r []byte, n int) error {
	b.Lock()
	defer b.Unlock()
	for i := 0; i < (n+7)/8; i++ {
		r[i] = 0
	}
	for i := 0; i < n; i++ {
		v := byte(1)
		for _, d := range b.Devices {
			v &= d.readSlot()
		}
		r[i/8] |= v << uint(i%8)
	}
	return nil
}

// ArmStrongPullup implements owb.Pullupper.
func (b *Bus) ArmStrongPullup() error {
	b.Lock()
	defer b.Unlock()
	b.pull = true
	if b.cur >= 0 && b.cur < len(b.Trace) {
		b.Trace[b.cur].Pull = true
	}
	return nil
}

// Transactions returns a copy of the recorded trace.
func (b *Bus) Transactions() []IO {
	b.Lock()
	defer b.Unlock()
	return append([]IO(nil), b.Trace...)
}

// record decodes the written bits of the transaction in progress without
// looking at the devices.
func (b *Bus) record(bit byte) {
	i := b.writes
	b.writes++
	switch {
	case i < 8:
		b.acc |= uint64(bit) << uint(i)
		if i == 7 {
			b.Trace = append(b.Trace, IO{ROM: byte(b.acc), Pull: b.pull})
			b.cur = len(b.Trace) - 1
			b.acc = 0
		}
		return
	case b.cur < 0:
		return
	}
	tx := &b.Trace[b.cur]
	skip := 0
	switch tx.ROM {
	case owb.CmdMatchROM, owb.CmdSearchROM, owb.CmdAlarmSearch:
		skip = 64
	case owb.CmdSkipROM, owb.CmdReadROM:
	default:
		return
	}
	j := i - 8
	if j < skip {
		if tx.ROM == owb.CmdMatchROM {
			tx.Match[j/8] |= bit << uint(j%8)
		}
		return
	}
	if j -= skip; j < 8 {
		tx.Func |= bit << uint(j)
	}
}

type phase int

const (
	phaseIdle phase = iota // not selected until the next reset
	phaseROM
	phaseSearch
	phaseMatch
	phaseReadROM
	phaseFunc
	phaseWriteScratch
	phaseReadScratch
	phaseReadPower
	phaseDone
)

// Device is a simulated DS18B20.
type Device struct {
	ROM owb.ROMCode
	// Temperature is the raw 12-bit temperature register, in 1/16°C, latched
	// into the scratchpad by the next CONVERT T.
	Temperature int16
	// CRCFaults is the number of upcoming scratchpad reads whose CRC byte is
	// corrupted. A negative value corrupts every read.
	CRCFaults int
	// Absent devices ignore the bus entirely.
	Absent bool
	// Alarm makes the device answer the alarm search.
	Alarm bool

	// Counters of function commands received.
	Conversions int
	Reads       int
	Writes      int
	Copies      int

	spad   [9]byte
	eeprom [3]byte
	phase  phase
	in     uint64 // bits received in the current phase
	nin    int
	out    []byte
	nout   int
	bit    int // search: bit id being walked, 1..64
	sub    int // search: 0 send bit, 1 send complement, 2 receive direction
}

// NewDevice returns a DS18B20 with the power-on scratchpad content.
func NewDevice(rom owb.ROMCode, temperature int16) *Device {
	d := &Device{ROM: rom, Temperature: temperature}
	d.spad = [9]byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10}
	d.eeprom = [3]byte{0x4b, 0x46, 0x7f}
	d.updateCRC()
	return d
}

// Scratchpad returns the current scratchpad content.
func (d *Device) Scratchpad() [9]byte {
	return d.spad
}

// Resolution returns the resolution in bits held by the configuration
// register.
func (d *Device) Resolution() int {
	return int(d.spad[4]>>5&3) + 9
}

func (d *Device) updateCRC() {
	d.spad[8] = common.CRC8(d.spad[:8])
}

func (d *Device) reset() bool {
	d.in, d.nin, d.out, d.nout = 0, 0, nil, 0
	if d.Absent {
		d.phase = phaseIdle
		return false
	}
	d.phase = phaseROM
	return true
}

// receive accumulates a written bit and returns true once n bits are in.
func (d *Device) receive(bit byte, n int) bool {
	d.in |= uint64(bit) << uint(d.nin)
	d.nin++
	return d.nin == n
}

func (d *Device) next(p phase) {
	d.phase = p
	d.in, d.nin = 0, 0
}

func (d *Device) writeSlot(bit byte) {
	switch d.phase {
	case phaseROM:
		if d.receive(bit, 8) {
			d.romCommand(byte(d.in))
		}
	case phaseSearch:
		if d.sub != 2 {
			// A write slot where the device expected to talk.
			d.phase = phaseIdle
			return
		}
		if bit != d.romBit(d.bit) {
			d.phase = phaseIdle
			return
		}
		d.bit++
		d.sub = 0
		if d.bit > 64 {
			d.next(phaseFunc)
		}
	case phaseMatch:
		if d.receive(bit, 64) {
			if d.in == uint64(d.ROM.Address()) {
				d.next(phaseFunc)
			} else {
				d.phase = phaseIdle
			}
		}
	case phaseFunc:
		if d.receive(bit, 8) {
			d.function(byte(d.in))
		}
	case phaseWriteScratch:
		if d.receive(bit, 24) {
			d.spad[2] = byte(d.in)
			d.spad[3] = byte(d.in >> 8)
			d.spad[4] = byte(d.in>>16)&0x60 | 0x1f
			d.updateCRC()
			d.phase = phaseDone
		}
	case phaseReadROM, phaseReadScratch, phaseReadPower:
		// A write-one slot is a read slot for the device.
		d.readSlot()
	}
}

func (d *Device) readSlot() byte {
	switch d.phase {
	case phaseSearch:
		switch d.sub {
		case 0:
			d.sub = 1
			return d.romBit(d.bit)
		case 1:
			d.sub = 2
			return d.romBit(d.bit) ^ 1
		}
	case phaseReadROM, phaseReadScratch:
		if d.nout >= 8*len(d.out) {
			return 1
		}
		v := (d.out[d.nout/8] >> uint(d.nout%8)) & 1
		d.nout++
		if d.phase == phaseReadROM && d.nout == 64 {
			d.next(phaseFunc)
		}
		return v
	case phaseReadPower:
		// Externally powered.
		return 1
	}
	return 1
}

func (d *Device) romBit(id int) byte {
	return (d.ROM[(id-1)/8] >> uint((id-1)%8)) & 1
}

func (d *Device) romCommand(cmd byte) {
	switch cmd {
	case owb.CmdSearchROM:
		d.next(phaseSearch)
		d.bit, d.sub = 1, 0
	case owb.CmdAlarmSearch:
		if !d.Alarm {
			d.phase = phaseIdle
			return
		}
		d.next(phaseSearch)
		d.bit, d.sub = 1, 0
	case owb.CmdMatchROM:
		d.next(phaseMatch)
	case owb.CmdSkipROM:
		d.next(phaseFunc)
	case owb.CmdReadROM:
		d.next(phaseReadROM)
		d.out = append([]byte(nil), d.ROM[:]...)
		d.nout = 0
	default:
		d.phase = phaseIdle
	}
}

func (d *Device) function(cmd byte) {
	d.next(phaseDone)
	switch cmd {
	case owb.CmdConvertT:
		d.Conversions++
		d.spad[0] = byte(d.Temperature)
		d.spad[1] = byte(d.Temperature >> 8)
		d.updateCRC()
	case owb.CmdReadScratch:
		d.Reads++
		d.out = append([]byte(nil), d.spad[:]...)
		d.nout = 0
		if d.CRCFaults != 0 {
			d.out[8] ^= 0xa5
			if d.CRCFaults > 0 {
				d.CRCFaults--
			}
		}
		d.phase = phaseReadScratch
	case owb.CmdWriteScratch:
		d.Writes++
		d.phase = phaseWriteScratch
	case owb.CmdCopyScratch:
		d.Copies++
		copy(d.eeprom[:], d.spad[2:5])
	case owb.CmdReadPowerState:
		d.phase = phaseReadPower
	case 0xb8: // RECALL E2
		copy(d.spad[2:5], d.eeprom[:])
		d.updateCRC()
	default:
		d.phase = phaseIdle
	}
}

var _ owb.Line = &Bus{}
var _ owb.Pullupper = &Bus{}
