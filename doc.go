// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owtemp is a container for the DS18B20 acquisition packages.
//
// owb is the 1-wire bus on top of a line driver (ds248x, ds9097 or w1gpio),
// ds18b20 the thermometer and sampler the acquisition loop run by
// cmd/ds18b20-sampler.
package owtemp
