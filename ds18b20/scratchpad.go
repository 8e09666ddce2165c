// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"math"
	"strconv"

	"github.com/GermanBionicSystems/owtemp/common"
	"periph.io/x/conn/v3/physic"
)

// Scratchpad is the content of the device RAM: temperature LSB and MSB, T_H,
// T_L, configuration, three reserved bytes and the CRC of the first 8 bytes.
type Scratchpad [9]byte

// Raw returns the temperature register as a signed number of 1/16°C.
func (s Scratchpad) Raw() int16 {
	return int16(s[1])<<8 | int16(s[0])
}

// Alarms returns the T_H and T_L alarm thresholds in °C.
func (s Scratchpad) Alarms() (high, low int8) {
	return int8(s[2]), int8(s[3])
}

// Resolution returns the resolution in bits encoded in the configuration
// register.
func (s Scratchpad) Resolution() int {
	return int(s[4]>>5&3) + 9
}

// Valid returns true when the CRC byte matches.
func (s Scratchpad) Valid() bool {
	return common.CheckCRC8(s[:])
}

// Reading is a temperature in fixed point, 1/16°C per unit.
type Reading int16

// Invalid is the reading reported for a device that could not be read, for
// example because of a CRC error. It is outside the range of the device.
const Invalid Reading = math.MinInt16

// InvalidCelsius is how Invalid is rendered.
const InvalidCelsius = -999.0

// Valid returns false for the Invalid sentinel.
func (r Reading) Valid() bool {
	return r != Invalid
}

// Celsius returns the reading in °C, or InvalidCelsius.
func (r Reading) Celsius() float64 {
	if !r.Valid() {
		return InvalidCelsius
	}
	return float64(r) / 16
}

// Temperature converts the reading to a physic.Temperature. It must not be
// called on Invalid.
func (r Reading) Temperature() physic.Temperature {
	return physic.Temperature(r)*physic.Kelvin/16 + physic.ZeroCelsius
}

// String returns the reading in °C with one decimal.
func (r Reading) String() string {
	return strconv.FormatFloat(r.Celsius(), 'f', 1, 64)
}
