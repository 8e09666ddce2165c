// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the CRC8 calculation used by 1-wire ROM codes and scratchpads.
package common

// crcTable is the byte-wise table for the reflected polynomial 0x8c
// (x^8+x^5+x^4+1).
var crcTable = func() (t [256]byte) {
	for i := range t {
		crc := byte(i)
		for range 8 {
			if crc&1 == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8c
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC8 calculates the Dallas/Maxim 8-bit CRC of the byte slice parameter,
// seeded with 0, and returns the calculated value.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc = crcTable[crc^val]
	}
	return crc
}

// CheckCRC8 returns true when the last byte of buf is the CRC8 of the bytes
// preceding it. Passing the whole buffer through CRC8 yields 0 in that case.
func CheckCRC8(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return CRC8(buf) == 0
}
