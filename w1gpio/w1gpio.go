// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package w1gpio bit-bangs a 1-wire bus master on a single GPIO pin.
//
// The pin emulates an open drain output: it is driven low to start a slot and
// switched to input to release the line, which is held high by the external
// pull-up resistor. Standard speed timings are used.
//
// More details
//
// https://www.analog.com/en/technical-articles/1wire-communication-through-software.html
package w1gpio

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtemp/owb"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Standard speed timings in µs.
const (
	tA = 6   // write one low, read low
	tB = 64  // write one release
	tC = 60  // write zero low
	tD = 10  // write zero release
	tE = 9   // read sample
	tF = 55  // read release
	tH = 480 // reset low
	tI = 70  // presence sample
	tJ = 410 // reset recovery
)

// New returns a Dev on pin p and releases the line.
func New(p gpio.PinIO) (*Dev, error) {
	d := &Dev{p: p}
	if err := d.release(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a bit-banged 1-wire master. It implements owb.Line and
// owb.Pullupper.
type Dev struct {
	sync.Mutex
	p   gpio.PinIO
	spu bool // drive the line high after the next transfer
}

func (d *Dev) String() string {
	return "w1gpio{" + d.p.Name() + "}"
}

// Halt implements conn.Resource. It releases the line.
func (d *Dev) Halt() error {
	d.Lock()
	defer d.Unlock()
	return d.release()
}

// Reset implements owb.Line.
func (d *Dev) Reset() (bool, error) {
	d.Lock()
	defer d.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	d.spu = false
	if err := d.low(); err != nil {
		return false, err
	}
	delay(tH * time.Microsecond)
	if err := d.release(); err != nil {
		return false, err
	}
	delay(tI * time.Microsecond)
	present := d.p.Read() == gpio.Low
	delay(tJ * time.Microsecond)
	if d.p.Read() == gpio.Low {
		return false, ErrStuck
	}
	return present, nil
}

// WriteBits implements owb.Line.
func (d *Dev) WriteBits(w []byte, n int) error {
	d.Lock()
	defer d.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for i := 0; i < n; i++ {
		var err error
		if w[i/8]>>uint(i%8)&1 != 0 {
			err = d.slot(tA, tB)
		} else {
			err = d.slot(tC, tD)
		}
		if err != nil {
			return err
		}
	}
	return d.pullup()
}

// ReadBits implements owb.Line.
func (d *Dev) ReadBits(r []byte, n int) error {
	d.Lock()
	defer d.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for i := 0; i < (n+7)/8; i++ {
		r[i] = 0
	}
	for i := 0; i < n; i++ {
		if err := d.low(); err != nil {
			return err
		}
		delay(tA * time.Microsecond)
		if err := d.release(); err != nil {
			return err
		}
		delay(tE * time.Microsecond)
		if d.p.Read() == gpio.High {
			r[i/8] |= 1 << uint(i%8)
		}
		delay(tF * time.Microsecond)
	}
	return d.pullup()
}

// ArmStrongPullup implements owb.Pullupper: the pin is driven high after the
// next transfer, until the next reset.
func (d *Dev) ArmStrongPullup() error {
	d.Lock()
	defer d.Unlock()
	d.spu = true
	return nil
}

// ErrStuck is returned by Reset when the line is still low after the reset
// recovery time.
var ErrStuck = errors.New("w1gpio: line stuck low")

//

// slot drives the line low for lo µs then releases it for hi µs.
func (d *Dev) slot(lo, hi time.Duration) error {
	if err := d.low(); err != nil {
		return err
	}
	delay(lo * time.Microsecond)
	if err := d.release(); err != nil {
		return err
	}
	delay(hi * time.Microsecond)
	return nil
}

func (d *Dev) low() error {
	if err := d.p.Out(gpio.Low); err != nil {
		return fmt.Errorf("w1gpio: %s: %w", d.p, err)
	}
	return nil
}

func (d *Dev) release() error {
	if err := d.p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("w1gpio: %s: %w", d.p, err)
	}
	return nil
}

func (d *Dev) pullup() error {
	if !d.spu {
		return nil
	}
	d.spu = false
	if err := d.p.Out(gpio.High); err != nil {
		return fmt.Errorf("w1gpio: %s: %w", d.p, err)
	}
	return nil
}

// busyWait spins since sleeping has a much coarser resolution than a slot.
func busyWait(t time.Duration) {
	for end := time.Now().Add(t); time.Now().Before(end); {
	}
}

var delay = busyWait

var _ conn.Resource = &Dev{}
var _ owb.Line = &Dev{}
var _ owb.Pullupper = &Dev{}
