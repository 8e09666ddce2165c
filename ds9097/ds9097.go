// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds9097 drives a 1-wire bus from a UART, the way the DS9097 serial
// adapter does.
//
// A reset is a 0xF0 character at 9600 baud: devices answering with a presence
// pulse corrupt the echo. Each slot is then one character at 115200 baud: 0x00
// writes a zero, 0xFF writes a one or reads a bit, which is one when the echo
// is 0xFF.
//
// The UART cannot provide a strong pull-up so parasite powered devices are not
// supported.
//
// More details
//
// https://www.analog.com/en/technical-articles/using-a-uart-to-implement-a-1wire-bus-master.html
package ds9097

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtemp/owb"
	"github.com/tarm/serial"
	"periph.io/x/conn/v3"
)

const (
	// ResetBaud is the rate used for the reset pulse.
	ResetBaud = 9600
	// SlotBaud is the rate used for read and write slots.
	SlotBaud = 115200
)

// Port is the serial port used by Dev. *serial.Port implements it.
type Port interface {
	io.ReadWriter
	Flush() error
	Close() error
}

// Opener opens the serial port at the requested baud rate.
type Opener func(baud int) (Port, error)

// SerialOpener returns an Opener for the named serial device.
func SerialOpener(name string) Opener {
	return func(baud int) (Port, error) {
		c := &serial.Config{
			Name:        name,
			Baud:        baud,
			Size:        serial.DefaultSize,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: time.Second,
		}
		p, err := serial.OpenPort(c)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Open returns a Dev on the named serial device, e.g. "/dev/ttyUSB0".
func Open(name string) (*Dev, error) {
	return New(name, SerialOpener(name))
}

// New returns a Dev using open to (re)open the port.
func New(name string, open Opener) (*Dev, error) {
	d := &Dev{name: name, open: open}
	if err := d.setBaud(SlotBaud); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a UART 1-wire master. It implements owb.Line.
type Dev struct {
	sync.Mutex
	name string
	open Opener
	port Port
	baud int
}

func (d *Dev) String() string {
	return "DS9097{" + d.name + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Close closes the port.
func (d *Dev) Close() error {
	d.Lock()
	defer d.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// Reset implements owb.Line.
func (d *Dev) Reset() (bool, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.setBaud(ResetBaud); err != nil {
		return false, err
	}
	var echo [1]byte
	if err := d.touch([]byte{0xf0}, echo[:]); err != nil {
		return false, err
	}
	if err := d.setBaud(SlotBaud); err != nil {
		return false, err
	}
	switch echo[0] {
	case 0xf0:
		return false, nil
	case 0x00:
		return false, ErrStuck
	}
	return true, nil
}

// WriteBits implements owb.Line.
func (d *Dev) WriteBits(w []byte, n int) error {
	d.Lock()
	defer d.Unlock()
	slots := make([]byte, n)
	for i := range slots {
		if w[i/8]>>uint(i%8)&1 != 0 {
			slots[i] = 0xff
		}
	}
	return d.touch(slots, make([]byte, n))
}

// ReadBits implements owb.Line.
func (d *Dev) ReadBits(r []byte, n int) error {
	d.Lock()
	defer d.Unlock()
	slots := make([]byte, n)
	for i := range slots {
		slots[i] = 0xff
	}
	echo := make([]byte, n)
	if err := d.touch(slots, echo); err != nil {
		return err
	}
	for i := 0; i < (n+7)/8; i++ {
		r[i] = 0
	}
	for i, e := range echo {
		if e == 0xff {
			r[i/8] |= 1 << uint(i%8)
		}
	}
	return nil
}

// ErrStuck is returned by Reset when the line does not go back high.
var ErrStuck = errors.New("ds9097: line stuck low")

// touch sends the slots and reads back their echo.
func (d *Dev) touch(w, echo []byte) error {
	if d.port == nil {
		return errors.New("ds9097: port closed")
	}
	if _, err := d.port.Write(w); err != nil {
		return fmt.Errorf("ds9097: write: %w", err)
	}
	if _, err := io.ReadFull(d.port, echo); err != nil {
		return fmt.Errorf("ds9097: read echo: %w", err)
	}
	return nil
}

// setBaud reopens the port when the rate changes.
func (d *Dev) setBaud(baud int) error {
	if d.port != nil && d.baud == baud {
		return nil
	}
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			return fmt.Errorf("ds9097: close: %w", err)
		}
		d.port = nil
	}
	p, err := d.open(baud)
	if err != nil {
		return fmt.Errorf("ds9097: opening %s at %d baud: %w", d.name, baud, err)
	}
	if err := p.Flush(); err != nil {
		p.Close()
		return fmt.Errorf("ds9097: flush: %w", err)
	}
	d.port = p
	d.baud = baud
	return nil
}

var _ conn.Resource = &Dev{}
var _ owb.Line = &Dev{}
