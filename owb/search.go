// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owb

import (
	"errors"
	"fmt"
)

// SearchState is the cursor of a search walk. The zero value starts a new
// search.
type SearchState struct {
	ROM                   ROMCode // last ROM code discovered
	LastDiscrepancy       int     // bit id (1..64) of the last zero branch taken, 0 for none
	LastFamilyDiscrepancy int     // same, restricted to the family code bits
	LastDevice            bool    // the previous step found the last device
}

// SearchStep performs one walk of the search algorithm from state s and
// returns the next device found.
//
// found is false once the search is exhausted or when no device is present.
// When CRC checking is enabled and the discovered ROM code is corrupt, found
// is true and a *CRCError is returned along with the advanced state so the
// walk can go on past the offending device.
func (b *Bus) SearchStep(s SearchState) (found bool, next SearchState, err error) {
	return b.searchStep(CmdSearchROM, s)
}

func (b *Bus) searchStep(cmd byte, s SearchState) (bool, SearchState, error) {
	if s.LastDevice {
		return false, SearchState{}, nil
	}
	present, err := b.Reset()
	if err != nil {
		return false, s, err
	}
	if !present {
		return false, SearchState{}, nil
	}
	if err := b.WriteBits([]byte{cmd}, 8); err != nil {
		return false, s, err
	}
	next := s
	lastZero := 0
	for id := 1; id <= 64; id++ {
		var dir byte
		if id < s.LastDiscrepancy {
			dir = s.ROM.bit(id)
		} else if id == s.LastDiscrepancy {
			dir = 1
		}
		tr, err := b.SearchTriplet(dir)
		if err != nil {
			return false, s, err
		}
		if !tr.GotZero && !tr.GotOne {
			// Every device dropped out; nothing answers this search.
			return false, SearchState{}, nil
		}
		if tr.GotZero && tr.GotOne && tr.Taken == 0 {
			lastZero = id
			if id <= 8 {
				next.LastFamilyDiscrepancy = id
			}
		}
		next.ROM.setBit(id, tr.Taken)
	}
	next.LastDiscrepancy = lastZero
	next.LastDevice = lastZero == 0
	if next.ROM.Family() == 0 {
		// A bus held low reads as all zeros.
		return false, SearchState{}, nil
	}
	if b.crc && !next.ROM.Valid() {
		return true, next, &CRCError{ROM: next.ROM}
	}
	return true, next, nil
}

// VerifyROM reports whether the device with ROM code rom is on the bus.
//
// The search walk is forced down the branch of rom; the device is present when
// the walk ends on exactly that code.
func (b *Bus) VerifyROM(rom ROMCode) (bool, error) {
	s := SearchState{ROM: rom, LastDiscrepancy: 64}
	found, next, err := b.searchStep(CmdSearchROM, s)
	if err != nil {
		if errors.Is(err, ErrCRC) {
			return false, nil
		}
		return false, err
	}
	return found && next.ROM == rom, nil
}

// Enumerate walks the bus and returns the ROM codes of every device, in
// search order.
//
// Devices whose ROM code fails the CRC check are left out and reported as
// *CRCError values joined into the returned error; the other codes are still
// returned. The walk stops with ErrTooManyDevices when more than max devices
// answer and with ErrEnumeration when a ROM code is seen twice. max <= 0
// means no limit.
func Enumerate(b *Bus, max int) ([]ROMCode, error) {
	return enumerate(b, CmdSearchROM, max)
}

func enumerate(b *Bus, cmd byte, max int) ([]ROMCode, error) {
	var roms []ROMCode
	var crcErrs []error
	seen := map[ROMCode]struct{}{}
	s := SearchState{}
	for {
		found, next, err := b.searchStep(cmd, s)
		var crcErr *CRCError
		switch {
		case errors.As(err, &crcErr):
			crcErrs = append(crcErrs, err)
		case err != nil:
			return roms, errors.Join(append(crcErrs, err)...)
		case !found:
			return roms, errors.Join(crcErrs...)
		}
		if _, ok := seen[next.ROM]; ok {
			return roms, errors.Join(append(crcErrs, fmt.Errorf("%w: ROM code %s found twice", ErrEnumeration, next.ROM))...)
		}
		seen[next.ROM] = struct{}{}
		if crcErr == nil {
			if max > 0 && len(roms) == max {
				return roms, errors.Join(append(crcErrs, fmt.Errorf("%w: more than %d", ErrTooManyDevices, max))...)
			}
			roms = append(roms, next.ROM)
		}
		s = next
	}
}
