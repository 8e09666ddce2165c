// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/onewire"
)

// ConvertAll performs a conversion on all DS18B20 devices on the bus.
//
// During the conversion it places the bus in strong pull-up mode to power
// parasitic devices and returns when the conversions have completed. This time
// period is determined by the maximum resolution of all devices on the bus and
// must be provided.
//
// ConvertAll uses time.Sleep to wait for the conversion to finish, which takes
// from 94ms to 750ms.
func ConvertAll(o onewire.Bus, maxResolutionBits int) error {
	if maxResolutionBits < 9 || maxResolutionBits > 12 {
		return errors.New("ds18b20: invalid maxResolutionBits")
	}
	if err := StartAll(o); err != nil {
		return err
	}
	sleep(ConversionTime(maxResolutionBits))
	return nil
}

// StartAll starts a conversion on all DS18B20 devices on the bus.
// Similar to ConvertAll but returns without waiting for conversion to finish.
// To be used in conjunction with LastTemp() or ReadAll(). Conversion timing
// must be handled by other means.
func StartAll(o onewire.Bus) error {
	return o.Tx([]byte{0xcc, 0x44}, nil, onewire.StrongPullup)
}

// ConversionTime returns the time a conversion takes, which depends on the
// resolution: 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms,
// datasheet p.6. It returns 0 for an invalid resolution.
func ConversionTime(bits int) time.Duration {
	switch bits {
	case 9:
		return 94 * time.Millisecond
	case 10:
		return 188 * time.Millisecond
	case 11:
		return 375 * time.Millisecond
	case 12:
		return 750 * time.Millisecond
	}
	return 0
}

// ReadAll reads the result of the last conversion from every device, in
// order, and appends the readings to dst.
//
// A device whose scratchpad fails the CRC check or does not answer gets the
// Invalid reading and the batch goes on. Any other error aborts.
func ReadAll(devs []*Dev, dst []Reading) ([]Reading, error) {
	for _, d := range devs {
		r, err := d.ReadTemp()
		if err != nil && !errors.Is(err, ErrCRC) && !errors.Is(err, ErrNoResponse) {
			return dst, fmt.Errorf("ds18b20: reading %s: %w", d, err)
		}
		dst = append(dst, r)
	}
	return dst, nil
}
