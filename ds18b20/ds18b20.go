// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

var (
	// ErrCRC is returned when the scratchpad CRC does not match its content.
	ErrCRC error = busError("ds18b20: incorrect scratchpad CRC")
	// ErrNoResponse is returned when the addressed device did not drive the bus
	// while its scratchpad was read.
	ErrNoResponse error = busError("ds18b20: device did not respond")
)

// Addressing selects how a Dev is addressed on the bus.
//
// It is either Match(addr), which prefixes every transaction with MATCH ROM
// and the device address, or Solo, which uses SKIP ROM and is only correct when
// the device is alone on the bus.
type Addressing struct {
	solo bool
	addr onewire.Address
}

// Solo addresses the only device on the bus with SKIP ROM.
var Solo = Addressing{solo: true}

// Match addresses the device with ROM code addr.
func Match(addr onewire.Address) Addressing {
	return Addressing{addr: addr}
}

// IsSolo returns true for the SKIP ROM addressing mode.
func (a Addressing) IsSolo() bool { return a.solo }

// Addr returns the device address; it is 0 in solo mode.
func (a Addressing) Addr() onewire.Address { return a.addr }

func (a Addressing) String() string {
	if a.solo {
		return "solo"
	}
	return fmt.Sprintf("%#016x", uint64(a.addr))
}

// New returns an object that communicates over 1-wire to the DS18B20 sensor
// selected by a.
//
// resolutionBits must be in the range 9..12 and is the resolution the readings
// are decoded with; call SetResolution to program the device. The resolution
// affects the conversion time: 9bits:94ms, 10bits:188ms, 11bits:375ms,
// 12bits:750ms.
//
// New does not access the bus. Scratchpad CRC checking is enabled.
func New(o onewire.Bus, a Addressing, resolutionBits int) (*Dev, error) {
	if resolutionBits < 9 || resolutionBits > 12 {
		return nil, errors.New("ds18b20: invalid resolutionBits")
	}
	d := &Dev{
		onewire:    onewire.Dev{Bus: o, Addr: a.addr},
		solo:       a.solo,
		resolution: resolutionBits,
		crc:        true,
	}
	return d, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 temperature sensor on a
// 1-wire bus.
type Dev struct {
	onewire    onewire.Dev // device on 1-wire bus
	solo       bool        // address with SKIP ROM
	resolution int         // resolution in bits (9..12)
	crc        bool        // verify scratchpad CRC
}

// Family returns the family code of the device. In solo mode the address is
// unknown and the device is assumed to be a DS18B20.
func (d *Dev) Family() Family {
	if d.solo {
		return DS18B20
	}
	return Family(d.onewire.Addr & 0xFF)
}

// Addressing returns how the device is addressed.
func (d *Dev) Addressing() Addressing {
	return Addressing{solo: d.solo, addr: d.onewire.Addr}
}

func (d *Dev) String() string {
	if d.solo {
		return d.Family().String() + "{" + d.onewire.Bus.String() + "(solo)}"
	}
	return d.Family().String() + "{" + d.onewire.String() + "}"
}

// Resolution returns the resolution in bits.
func (d *Dev) Resolution() int {
	return d.resolution
}

// SetResolution programs the configuration register of the device.
//
// The alarm registers are preserved and the configuration is only written when
// it differs. The scratchpad is not copied to EEPROM so the device returns to
// its stored resolution on power loss.
func (d *Dev) SetResolution(bits int) error {
	if bits < 9 || bits > 12 {
		return errors.New("ds18b20: invalid resolutionBits")
	}
	spad, err := d.ReadScratchpad()
	if err != nil {
		return err
	}
	// The DS18S20 has a fixed resolution and no configuration register.
	if d.Family() != DS18S20 && spad.Resolution() != bits {
		// Set the value in the configuration register (datasheet p.6).
		cfg := byte((bits-9)<<5) | 0x1f
		if err := d.tx([]byte{0x4e, spad[2], spad[3], cfg}, nil, onewire.WeakPullup); err != nil {
			return err
		}
	}
	d.resolution = bits
	return nil
}

// SetCRCEnabled toggles CRC verification of scratchpad reads.
func (d *Dev) SetCRCEnabled(on bool) {
	d.crc = on
}

// ConversionTime returns the worst case conversion time of the device.
func (d *Dev) ConversionTime() time.Duration {
	if d.Family() == DS18S20 {
		return ConversionTime(12)
	}
	return ConversionTime(d.resolution)
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.tx([]byte{0x44}, nil, onewire.StrongPullup); err != nil {
		return err
	}
	sleep(d.ConversionTime())
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	// Sampling several devices is done by package sampler, which shares one
	// conversion between all of them.
	return nil, errors.New("ds18b20: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16 << uint(12-d.resolution)
}

// LastTemp reads the temperature resulting from the last conversion from the
// device.
//
// It is useful in combination with ConvertAll.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	r, err := d.ReadTemp()
	if err != nil {
		return 0, err
	}

	// The device powers up with a value of 85°C, so if we read that odds are
	// very high that either no conversion was performed or that the conversion
	// failed due to lack of power. This prevents reading a temp of exactly 85°C,
	// but that seems like the right tradeoff.
	if r == 85*16 {
		return 0, busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
	}
	return r.Temperature(), nil
}

// ReadTemp reads and decodes the scratchpad. On error the reading is Invalid.
func (d *Dev) ReadTemp() (Reading, error) {
	spad, err := d.ReadScratchpad()
	if err != nil {
		return Invalid, err
	}
	return d.DecodeTemperature(spad), nil
}

// DecodeTemperature returns the temperature held by a scratchpad.
//
// The fractional bits that are undefined at the configured resolution are
// cleared: 3 bits at 9 bits of resolution, none at 12 bits.
func (d *Dev) DecodeTemperature(spad Scratchpad) Reading {
	// spad[1] is MSB and spad[0] is LSB of the raw temperature value
	rawTemp := spad.Raw()

	if d.Family() == DS18S20 && spad[7] != 0 {
		// for higher resolution some additional calculation is required
		// TEMPERATURE = TEMP_READ - 0,25 + (COUNT_PER_C-COUNT_REMAIN)/COUNT_PER_C
		//  TEMP_READ = value from spad[1] (MSB) and spad[0] (LSB) with truncated last bit (0,5°C)
		//  COUNT_PER_C = spad[7]
		//  COUNT_REMAIN = spad[6]

		// calculation from http://myarduinotoy.blogspot.com/2013/02/12bit-result-from-ds18s20.html
		mask := 0xFFFE
		return Reading(((rawTemp & int16(mask)) << 3) + 12 - int16(spad[6]))
	}
	// rawTemp has 4 fractional bits, datasheet p.4.
	return Reading(rawTemp &^ (1<<uint(12-d.resolution) - 1))
}

// ReadScratchpad reads the 9 bytes of scratchpad and, if enabled, checks the
// CRC.
func (d *Dev) ReadScratchpad() (Scratchpad, error) {
	// Read the scratchpad memory.
	var spad Scratchpad
	if err := d.tx([]byte{0xbe}, spad[:], onewire.WeakPullup); err != nil {
		return spad, err
	}
	if !d.crc || spad.Valid() {
		return spad, nil
	}
	for _, s := range spad {
		if s != 0xff {
			return spad, ErrCRC
		}
	}
	return spad, ErrNoResponse
}

// tx addresses the device then performs the transaction.
func (d *Dev) tx(w, r []byte, power onewire.Pullup) error {
	if d.solo {
		return d.onewire.Bus.Tx(append([]byte{0xcc}, w...), r, power)
	}
	if power == onewire.StrongPullup {
		return d.onewire.TxPower(w, r)
	}
	return d.onewire.Tx(w, r)
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
