// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sampler

import (
	"errors"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtemp/ds18b20"
	"github.com/GermanBionicSystems/owtemp/owb"
	"periph.io/x/conn/v3/onewire"
)

// ErrNoDevices is returned when no device answers the conversion broadcast.
var ErrNoDevices = errors.New("sampler: no devices on the bus")

// Coordinator runs synchronized conversions on a set of devices sharing one
// bus.
type Coordinator struct {
	Bus   onewire.Bus
	Devs  []*ds18b20.Dev
	Clock Clock
	// Guard, when set, is held from the broadcast to the last read so another
	// goroutine cannot use the bus in between.
	Guard sync.Locker
}

// ConvertAll starts a conversion on every device with SKIP ROM + CONVERT T.
func (c *Coordinator) ConvertAll() error {
	if err := ds18b20.StartAll(c.Bus); err != nil {
		if errors.Is(err, owb.ErrNoDevices) {
			return ErrNoDevices
		}
		return err
	}
	return nil
}

// Resolution returns the highest resolution of the devices, in bits. The
// DS18S20 always converts at 12 bits. It is 0 without device.
func (c *Coordinator) Resolution() int {
	max := 0
	for _, d := range c.Devs {
		bits := d.Resolution()
		if d.Family() == ds18b20.DS18S20 {
			bits = 12
		}
		if bits > max {
			max = bits
		}
	}
	return max
}

// ConversionTime returns the wait needed by the slowest device.
func (c *Coordinator) ConversionTime() time.Duration {
	return ds18b20.ConversionTime(c.Resolution())
}

// WaitForConversion blocks for the worst case conversion time at the given
// resolution, in bits.
func (c *Coordinator) WaitForConversion(bits int) {
	c.wait(ds18b20.ConversionTime(bits))
}

// ReadAll reads every device in order and appends the readings to dst.
// Devices that fail their CRC check are reported as ds18b20.Invalid.
func (c *Coordinator) ReadAll(dst []ds18b20.Reading) ([]ds18b20.Reading, error) {
	return ds18b20.ReadAll(c.Devs, dst)
}

// Sample performs one convert, wait and read cycle and appends the readings to
// dst. The wait is WaitForConversion at the highest resolution of the
// devices. Nothing else runs on the bus between the conversion and the last
// read.
func (c *Coordinator) Sample(dst []ds18b20.Reading) ([]ds18b20.Reading, error) {
	if c.Guard != nil {
		c.Guard.Lock()
		defer c.Guard.Unlock()
	}
	if err := c.ConvertAll(); err != nil {
		return dst, err
	}
	c.WaitForConversion(c.Resolution())
	return c.ReadAll(dst)
}

func (c *Coordinator) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	clock := c.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	<-clock.After(d)
}
