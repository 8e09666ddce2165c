// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owb is a 1-wire bus adapter layered over a bit-level line driver.
//
// A line driver only needs to produce reset pulses and read/write time slots;
// owb adds byte transactions, the ROM search walk of the Maxim AN187
// [application note], ROM code CRC checking and enumeration. The resulting Bus implements onewire.Bus and
// onewire.BusSearcher so periph device drivers can use it directly.
//
// Line drivers in this module are ds248x (I²C bridge), ds9097 (UART) and
// w1gpio (bit-banged GPIO). owbtest provides a simulated bus for tests.
//
// [application note]: https://www.analog.com/en/app-notes/1wire-search-algorithm.html
package owb
