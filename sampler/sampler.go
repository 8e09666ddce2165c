// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtemp/ds18b20"
	"github.com/GermanBionicSystems/owtemp/owb"
	"github.com/sirupsen/logrus"
)

// State is the state of a Sampler.
type State int

// Sampler states.
const (
	Init State = iota
	Enumerating
	Configured
	Sampling
	Idle
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Enumerating:
		return "enumerating"
	case Configured:
		return "configured"
	case Sampling:
		return "sampling"
	case Idle:
		return "idle"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sample is the result of one sampling cycle.
type Sample struct {
	N        int               // 1-based sample number
	Time     time.Time         // when the last device was read
	Readings []ds18b20.Reading // one per device, in enumeration order
	Errors   []int             // cumulative invalid readings per device
}

// Emitter receives the samples. Emit is called from the loop so it must not
// keep the slices.
type Emitter interface {
	Emit(s *Sample) error
}

// Opts contains the options of a Sampler.
type Opts struct {
	MaxDevices int           // enumeration refuses more devices, 0 for no limit
	Resolution int           // 9..12 bits
	Period     time.Duration // target time between the start of two samples
	Settle     time.Duration // wait before the first bus access
	Samples    int           // stop after that many samples, 0 to run until cancelled
	Known      []owb.ROMCode // codes checked for presence at start up
	Clock      Clock         // defaults to SystemClock
	Out        Emitter       // defaults to discarding samples
	Guard      sync.Locker   // held around each sample, optional
}

// DefaultOpts are the recommended options.
var DefaultOpts = Opts{
	MaxDevices: 8,
	Resolution: 12,
	Period:     time.Second,
	Settle:     2 * time.Second,
}

// New returns a Sampler on bus. It does not access the bus.
func New(bus *owb.Bus, opts *Opts, log logrus.FieldLogger) (*Sampler, error) {
	if opts.Resolution < 9 || opts.Resolution > 12 {
		return nil, fmt.Errorf("sampler: invalid resolution %d", opts.Resolution)
	}
	if opts.Period <= 0 {
		return nil, fmt.Errorf("sampler: invalid period %s", opts.Period)
	}
	if opts.MaxDevices < 0 || opts.Samples < 0 || opts.Settle < 0 {
		return nil, errors.New("sampler: negative option")
	}
	s := &Sampler{bus: bus, opts: *opts, log: log}
	if s.opts.Clock == nil {
		s.opts.Clock = SystemClock{}
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	return s, nil
}

// Sampler owns the bus and the devices for the duration of Run.
type Sampler struct {
	bus  *owb.Bus
	opts Opts
	log  logrus.FieldLogger

	mu      sync.Mutex
	state   State
	roms    []owb.ROMCode
	present int // devices that answered the search, excluded ones included
	counts  []int
	n       int
}

// State returns the current state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Devices returns the ROM codes found by the enumeration.
func (s *Sampler) Devices() []owb.ROMCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]owb.ROMCode(nil), s.roms...)
}

// Errors returns the invalid reading count of each device.
func (s *Sampler) Errors() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.counts...)
}

// Count returns the number of samples taken.
func (s *Sampler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Run enumerates and configures the devices then samples them until ctx is
// cancelled or the sample limit is reached, in which case it returns nil.
//
// Cancellation is checked between samples only. It returns an error on a bus
// failure or when the enumeration is refused.
func (s *Sampler) Run(ctx context.Context) error {
	if s.State() != Init {
		return errors.New("sampler: already run")
	}
	defer s.setState(Stopped)
	if s.opts.Settle > 0 {
		s.log.Infof("Initializing in %s", s.opts.Settle)
		if !s.sleep(ctx, s.opts.Settle) {
			return nil
		}
	}
	devs, err := s.setup()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		s.log.Warn("No devices, idling")
		s.setState(Idle)
		<-ctx.Done()
		return nil
	}
	return s.loop(ctx, devs)
}

// Scan enumerates the bus and checks the known codes without configuring the
// devices.
func (s *Sampler) Scan() ([]owb.ROMCode, error) {
	s.setState(Enumerating)
	defer s.setState(Stopped)
	if err := s.enumerate(); err != nil {
		return nil, err
	}
	return s.Devices(), s.verify()
}

func (s *Sampler) setup() ([]*ds18b20.Dev, error) {
	s.setState(Enumerating)
	if err := s.enumerate(); err != nil {
		return nil, err
	}
	if err := s.verify(); err != nil {
		return nil, err
	}
	devs, err := s.configure()
	if err != nil {
		return nil, err
	}
	s.setState(Configured)
	return devs, nil
}

func (s *Sampler) enumerate() error {
	s.bus.SetCRCEnabled(true)
	s.log.Info("Find devices:")
	roms, err := owb.Enumerate(s.bus, s.opts.MaxDevices)
	if err != nil {
		if !errors.Is(err, owb.ErrCRC) || errors.Is(err, owb.ErrBus) ||
			errors.Is(err, owb.ErrTooManyDevices) || errors.Is(err, owb.ErrEnumeration) {
			return fmt.Errorf("sampler: enumeration: %w", err)
		}
		s.log.WithError(err).Warnf("%d devices excluded", crcFailures(err))
	}
	for i, r := range roms {
		s.log.WithField("family", fmt.Sprintf("%#02x", r.Family())).Infof("  %d : %s", i, r)
	}
	s.log.Infof("Found %d devices", len(roms))
	s.mu.Lock()
	s.roms = roms
	s.present = len(roms) + crcFailures(err)
	s.counts = make([]int, len(roms))
	s.mu.Unlock()
	return nil
}

func (s *Sampler) verify() error {
	for _, r := range s.opts.Known {
		present, err := s.bus.VerifyROM(r)
		if err != nil {
			return fmt.Errorf("sampler: verifying %s: %w", r, err)
		}
		if present {
			s.log.Infof("Device %s is present", r)
		} else {
			s.log.Infof("Device %s is not present", r)
		}
	}
	return nil
}

func (s *Sampler) configure() ([]*ds18b20.Dev, error) {
	roms := s.Devices()
	s.mu.Lock()
	// SKIP ROM is only safe when no other device, even excluded, answers.
	solo := s.present == 1
	s.mu.Unlock()
	devs := make([]*ds18b20.Dev, 0, len(roms))
	for _, r := range roms {
		a := ds18b20.Match(r.Address())
		if solo {
			s.log.Info("Single device optimisations enabled")
			a = ds18b20.Solo
		}
		d, err := ds18b20.New(s.bus, a, s.opts.Resolution)
		if err != nil {
			return nil, err
		}
		d.SetCRCEnabled(true)
		if err := d.SetResolution(s.opts.Resolution); err != nil {
			if !errors.Is(err, ds18b20.ErrCRC) && !errors.Is(err, ds18b20.ErrNoResponse) {
				return nil, fmt.Errorf("sampler: configuring %s: %w", r, err)
			}
			s.log.WithError(err).Warnf("Device %s keeps its resolution", r)
		}
		devs = append(devs, d)
	}
	return devs, nil
}

func (s *Sampler) loop(ctx context.Context, devs []*ds18b20.Dev) error {
	c := Coordinator{Bus: s.bus, Devs: devs, Clock: s.opts.Clock, Guard: s.opts.Guard}
	s.setState(Sampling)
	smp := Sample{
		Readings: make([]ds18b20.Reading, 0, len(devs)),
		Errors:   make([]int, len(devs)),
	}
	for {
		if ctx.Err() != nil || (s.opts.Samples > 0 && s.Count() >= s.opts.Samples) {
			return nil
		}
		t0 := s.opts.Clock.Now()
		var err error
		smp.Readings, err = c.Sample(smp.Readings[:0])
		if errors.Is(err, ErrNoDevices) {
			s.log.Warn("Devices lost, idling")
			s.setState(Idle)
			<-ctx.Done()
			return nil
		}
		if err != nil {
			return fmt.Errorf("sampler: sample %d: %w", s.Count()+1, err)
		}
		smp.Time = s.opts.Clock.Now()
		s.mu.Lock()
		for i, r := range smp.Readings {
			if !r.Valid() {
				s.counts[i]++
			}
		}
		s.n++
		smp.N = s.n
		copy(smp.Errors, s.counts)
		s.mu.Unlock()
		if s.opts.Out != nil {
			if err := s.opts.Out.Emit(&smp); err != nil {
				return fmt.Errorf("sampler: emit: %w", err)
			}
		}
		s.log.WithField("sample", smp.N).Debug("Sampled")
		if elapsed := s.opts.Clock.Now().Sub(t0); elapsed < s.opts.Period {
			if !s.sleep(ctx, s.opts.Period-elapsed) {
				return nil
			}
		}
	}
}

// sleep returns false if ctx was cancelled first.
func (s *Sampler) sleep(ctx context.Context, d time.Duration) bool {
	var c <-chan time.Time
	if t, ok := s.opts.Clock.(TimerClock); ok {
		ch, stop := t.Timer(d)
		defer stop()
		c = ch
	} else {
		c = s.opts.Clock.After(d)
	}
	select {
	case <-ctx.Done():
		return false
	case <-c:
		return true
	}
}

// crcFailures counts the ROM codes rejected by their CRC in an Enumerate
// error.
func crcFailures(err error) int {
	switch e := err.(type) {
	case *owb.CRCError:
		return 1
	case interface{ Unwrap() []error }:
		n := 0
		for _, err := range e.Unwrap() {
			n += crcFailures(err)
		}
		return n
	case interface{ Unwrap() error }:
		return crcFailures(e.Unwrap())
	}
	return 0
}

func (s *Sampler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != st {
		s.log.WithField("state", st).Debug("State change")
	}
	s.state = st
}
