// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// ds18b20-sampler reads every DS18B20 on a 1-wire bus periodically and prints
// the temperatures.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/GermanBionicSystems/owtemp/config"
	"github.com/GermanBionicSystems/owtemp/ds248x"
	"github.com/GermanBionicSystems/owtemp/ds9097"
	"github.com/GermanBionicSystems/owtemp/owb"
	"github.com/GermanBionicSystems/owtemp/sampler"
	"github.com/GermanBionicSystems/owtemp/w1gpio"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func mainImpl() error {
	cfgPath := flag.String("config", "", "YAML configuration file")
	driver := flag.String("driver", "", "1-wire master: gpio, ds248x or serial")
	pin := flag.Int("gpio", 0, "GPIO number of the bit-banged bus")
	samples := flag.Int("samples", 0, "stop after that many samples, 0 for no limit")
	scan := flag.Bool("scan", false, "list the devices and exit")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			cfg.Bus.Driver = *driver
		case "gpio":
			cfg.Bus.GPIO = *pin
		case "samples":
			cfg.Sampler.Samples = *samples
		}
	})
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	if _, err := host.Init(); err != nil {
		return err
	}
	line, closer, err := openLine(&cfg.Bus)
	if err != nil {
		return err
	}
	defer closer.Close()
	bus := owb.New(line)
	log.WithField("bus", bus).Debug("Bus opened")

	known, err := cfg.KnownROMs()
	if err != nil {
		return err
	}
	opts := sampler.Opts{
		MaxDevices: cfg.Sampler.MaxDevices,
		Resolution: cfg.Sampler.Resolution,
		Period:     cfg.Sampler.Period,
		Settle:     cfg.Sampler.Settle,
		Samples:    cfg.Sampler.Samples,
		Known:      known,
		Guard:      bus,
	}
	p := newPrinter(cfg.Sampler.Color)
	defer p.Halt()
	opts.Out = p
	s, err := sampler.New(bus, &opts, log)
	if err != nil {
		return err
	}
	if *scan {
		_, err := s.Scan()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(colorable.NewColorableStderr())
	return log
}

func newPrinter(mode string) *sampler.Printer {
	switch mode {
	case "always":
		return sampler.NewPrinter(colorable.NewColorableStdout(), &sampler.PrinterOpts{Color: true})
	case "never":
		return sampler.NewPrinter(os.Stdout, &sampler.PrinterOpts{})
	}
	return sampler.NewConsolePrinter()
}

// openLine returns the 1-wire master selected by the configuration. The
// configured GPIO number is used as is.
func openLine(cfg *config.BusConfig) (owb.Line, io.Closer, error) {
	switch cfg.Driver {
	case "gpio":
		p := gpioreg.ByName(strconv.Itoa(cfg.GPIO))
		if p == nil {
			return nil, nil, fmt.Errorf("no GPIO %d", cfg.GPIO)
		}
		d, err := w1gpio.New(p)
		if err != nil {
			return nil, nil, err
		}
		return d, haltCloser{d}, nil
	case "ds248x":
		i, err := i2creg.Open(cfg.I2C)
		if err != nil {
			return nil, nil, err
		}
		d, err := ds248x.New(i, cfg.Addr, &ds248x.DefaultOpts)
		if err != nil {
			i.Close()
			return nil, nil, err
		}
		return d, i, nil
	case "serial":
		d, err := ds9097.Open(cfg.Serial)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// haltCloser releases a line that has nothing to close.
type haltCloser struct {
	h interface{ Halt() error }
}

func (h haltCloser) Close() error {
	return h.h.Halt()
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "ds18b20-sampler: %s.\n", err)
		os.Exit(1)
	}
}
