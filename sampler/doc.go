// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sampler periodically reads every DS18B20 found on a 1-wire bus.
//
// A Sampler enumerates the bus once, configures every device to a common
// resolution then loops: one broadcast conversion, a fixed wait for the
// slowest resolution, one scratchpad read per device in enumeration order.
// Each sample is handed to an Emitter with the cumulative count of invalid
// readings per device.
//
// The three waits of the loop (settle, conversion and the remainder of the
// period) go through a Clock so tests can run the loop in simulated time.
package sampler
