// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config holds the settings of the sampler binary, read from a YAML
// file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/GermanBionicSystems/owtemp/owb"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Sampler SamplerConfig `yaml:"sampler"`
	Log     LogConfig     `yaml:"log"`
}

// BusConfig selects the 1-wire master.
type BusConfig struct {
	// Driver is one of "gpio", "ds248x" or "serial".
	Driver string `yaml:"driver"`
	// GPIO is the pin number of the bit-banged bus.
	GPIO int `yaml:"gpio"`
	// I2C is the name of the I²C bus of the ds248x, empty for the first one.
	I2C string `yaml:"i2c"`
	// Addr is the I²C address of the ds248x.
	Addr uint16 `yaml:"addr"`
	// Serial is the UART device of the serial adapter.
	Serial string `yaml:"serial"`
}

// SamplerConfig drives the acquisition loop.
type SamplerConfig struct {
	MaxDevices int           `yaml:"max_devices"`
	Resolution int           `yaml:"resolution"`
	Period     time.Duration `yaml:"period"`
	Settle     time.Duration `yaml:"settle"`
	Samples    int           `yaml:"samples"`
	// Known lists ROM codes whose presence is reported at start up, e.g.
	// "28-ee-cc-87-2e-16-01-??".
	Known []string `yaml:"known"`
	Color string   `yaml:"color"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Driver: "gpio",
			GPIO:   4,
			Addr:   0x18,
			Serial: "/dev/ttyUSB0",
		},
		Sampler: SamplerConfig{
			MaxDevices: 8,
			Resolution: 12,
			Period:     1000 * time.Millisecond,
			Settle:     2 * time.Second,
			Color:      "auto",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Bus.Driver {
	case "gpio":
		if c.Bus.GPIO < 0 {
			errs = append(errs, fmt.Errorf("invalid gpio %d", c.Bus.GPIO))
		}
	case "ds248x":
		switch c.Bus.Addr {
		case 0x18, 0x19, 0x20, 0x21:
		default:
			errs = append(errs, fmt.Errorf("invalid ds248x address %#x", c.Bus.Addr))
		}
	case "serial":
		if c.Bus.Serial == "" {
			errs = append(errs, errors.New("serial device not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Bus.Driver))
	}
	s := &c.Sampler
	if s.MaxDevices < 0 {
		errs = append(errs, fmt.Errorf("invalid max_devices %d", s.MaxDevices))
	}
	if s.Resolution < 9 || s.Resolution > 12 {
		errs = append(errs, fmt.Errorf("invalid resolution %d", s.Resolution))
	}
	if s.Period <= 0 {
		errs = append(errs, fmt.Errorf("invalid period %s", s.Period))
	}
	if s.Settle < 0 {
		errs = append(errs, fmt.Errorf("invalid settle %s", s.Settle))
	}
	if s.Samples < 0 {
		errs = append(errs, fmt.Errorf("invalid samples %d", s.Samples))
	}
	if _, err := c.KnownROMs(); err != nil {
		errs = append(errs, err)
	}
	switch s.Color {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("invalid color %q", s.Color))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// KnownROMs parses the known ROM codes.
func (c *Config) KnownROMs() ([]owb.ROMCode, error) {
	var out []owb.ROMCode
	for _, s := range c.Sampler.Known {
		r, err := owb.ParseROMCode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
