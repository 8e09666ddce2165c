// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owb

import (
	"errors"
	"fmt"
)

var (
	// ErrBus is wrapped around every error returned by the line driver. The
	// physical layer is suspect and the caller should stop using the bus.
	ErrBus = errors.New("owb: bus failure")
	// ErrNoDevices is returned when no device answers a reset pulse.
	ErrNoDevices error = busError("owb: no device present")
	// ErrCRC matches every *CRCError.
	ErrCRC error = busError("owb: ROM code CRC mismatch")
	// ErrTooManyDevices is returned by Enumerate when the bus holds more
	// devices than the caller allows.
	ErrTooManyDevices = errors.New("owb: too many devices")
	// ErrEnumeration is returned by Enumerate when the search walk is not
	// consistent, for example when a ROM code is discovered twice.
	ErrEnumeration = errors.New("owb: enumeration error")
)

// CRCError reports a ROM code whose CRC byte does not match its content.
type CRCError struct {
	ROM ROMCode
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("owb: ROM code %s has CRC %#02x, expected %#02x", e.ROM, e.ROM.CRC(), e.ROM.computeCRC())
}

// Is implements errors.Is for ErrCRC.
func (e *CRCError) Is(target error) bool { return target == ErrCRC }

// BusError implements onewire.BusError.
func (e *CRCError) BusError() bool { return true }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

func lineErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBus, op, err)
}
