// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owb

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/GermanBionicSystems/owtemp/common"
	"periph.io/x/conn/v3/onewire"
)

// ROMCode is the 64-bit identifier of a 1-wire device in on-the-wire order:
// family code, 6 bytes of serial number (least significant first) and CRC.
type ROMCode [8]byte

// NewROMCode builds a ROM code from its family and serial number and fills in
// the CRC.
func NewROMCode(family byte, serial [6]byte) ROMCode {
	var r ROMCode
	r[0] = family
	copy(r[1:7], serial[:])
	r[7] = r.computeCRC()
	return r
}

// FromAddress converts a periph address, which holds the family code in its
// least significant byte.
func FromAddress(a onewire.Address) ROMCode {
	var r ROMCode
	binary.LittleEndian.PutUint64(r[:], uint64(a))
	return r
}

// Address returns the ROM code as a periph onewire.Address.
func (r ROMCode) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(r[:]))
}

// Family returns the family code, 0x28 for a DS18B20.
func (r ROMCode) Family() byte { return r[0] }

// Serial returns the 48-bit serial number, least significant byte first.
func (r ROMCode) Serial() (s [6]byte) {
	copy(s[:], r[1:7])
	return s
}

// CRC returns the CRC byte as read from the device.
func (r ROMCode) CRC() byte { return r[7] }

// Valid returns true when the CRC byte matches the family and serial number.
func (r ROMCode) Valid() bool { return r.CRC() == r.computeCRC() }

func (r ROMCode) computeCRC() byte { return common.CRC8(r[:7]) }

// String returns 16 hex digits, CRC first and family last.
func (r ROMCode) String() string {
	var b [8]byte
	for i := range r {
		b[7-i] = r[i]
	}
	return hex.EncodeToString(b[:])
}

// ParseROMCode parses either the String form ("0001162e87ccee28") or a
// dash separated list of bytes in wire order ("28-ee-cc-87-2e-16-01-00").
// In the dashed form the CRC byte may be given as "??" to have it computed.
func ParseROMCode(s string) (ROMCode, error) {
	var r ROMCode
	if !strings.Contains(s, "-") {
		if len(s) != 16 {
			return r, errors.New("owb: ROM code must be 16 hex digits")
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return r, errors.New("owb: invalid ROM code " + s)
		}
		for i := range b {
			r[7-i] = b[i]
		}
		return r, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 8 {
		return r, errors.New("owb: ROM code must have 8 bytes")
	}
	for i, p := range parts {
		if i == 7 && p == "??" {
			r[7] = r.computeCRC()
			break
		}
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return r, errors.New("owb: invalid ROM code " + s)
		}
		r[i] = b[0]
	}
	return r, nil
}

// bit returns the 1-based bit id of the ROM code as used by the search walk.
func (r *ROMCode) bit(id int) byte {
	return (r[(id-1)/8] >> uint((id-1)%8)) & 1
}

func (r *ROMCode) setBit(id int, v byte) {
	mask := byte(1) << uint((id-1)%8)
	if v != 0 {
		r[(id-1)/8] |= mask
	} else {
		r[(id-1)/8] &^= mask
	}
}
