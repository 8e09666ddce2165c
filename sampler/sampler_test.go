// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GermanBionicSystems/owtemp/ds18b20"
	"github.com/GermanBionicSystems/owtemp/owb"
	"github.com/GermanBionicSystems/owtemp/owb/owbtest"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var epoch = time.Date(2017, 9, 1, 12, 0, 0, 0, time.UTC)

// fakeClock returns from After immediately, moving the time forward.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// recorder keeps a copy of every sample and calls f after each one.
type recorder struct {
	samples []Sample
	f       func(s *Sample)
}

func (r *recorder) Emit(s *Sample) error {
	c := *s
	c.Readings = append([]ds18b20.Reading(nil), s.Readings...)
	c.Errors = append([]int(nil), s.Errors...)
	r.samples = append(r.samples, c)
	if r.f != nil {
		r.f(s)
	}
	return nil
}

// slowLine takes extra time for every scratchpad read.
type slowLine struct {
	*owbtest.Bus
	clock *fakeClock
	delay time.Duration
}

func (l *slowLine) ReadBits(r []byte, n int) error {
	if n == 72 {
		l.clock.advance(l.delay)
	}
	return l.Bus.ReadBits(r, n)
}

func rom(b byte) owb.ROMCode {
	return owb.NewROMCode(0x28, [6]byte{b, 0x00, 0x16, 0x2e, 0x87, 0x01})
}

func opts(clk Clock, out Emitter) *Opts {
	o := DefaultOpts
	o.Clock = clk
	o.Out = out
	return &o
}

func newSampler(t *testing.T, l owb.Line, o *Opts) (*Sampler, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	s, err := New(owb.New(l), o, log)
	if err != nil {
		t.Fatal(err)
	}
	return s, hook
}

func messages(h *test.Hook) []string {
	var out []string
	for _, e := range h.AllEntries() {
		out = append(out, e.Message)
	}
	return out
}

func contains(msgs []string, m string) bool {
	for _, s := range msgs {
		if s == m {
			return true
		}
	}
	return false
}

// checkCadence verifies that no sample starts before the previous one plus
// the shorter of the period and the work it took.
func checkCadence(t *testing.T, samples []Sample, period, work time.Duration) {
	t.Helper()
	min := period
	if work < min {
		min = work
	}
	for i := 1; i < len(samples); i++ {
		if d := samples[i].Time.Sub(samples[i-1].Time); d < min {
			t.Fatalf("sample %d came %s after the previous one", samples[i].N, d)
		}
	}
}

func TestRun_solo(t *testing.T) {
	sim := owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191))
	clk := newClock()
	rec := &recorder{}
	o := opts(clk, rec)
	o.Samples = 10
	s, hook := newSampler(t, sim, o)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != Stopped {
		t.Fatalf("unexpected state %s", s.State())
	}
	if len(rec.samples) != 10 {
		t.Fatalf("expected 10 samples, got %d", len(rec.samples))
	}
	for i, smp := range rec.samples {
		if smp.N != i+1 {
			t.Fatalf("sample %d numbered %d", i, smp.N)
		}
		if diff := cmp.Diff([]ds18b20.Reading{0x0191}, smp.Readings); diff != "" {
			t.Fatalf("readings mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int{0}, smp.Errors); diff != "" {
			t.Fatalf("errors mismatch (-want +got):\n%s", diff)
		}
	}
	if d := clk.Now().Sub(epoch) - o.Settle; d != 10*time.Second {
		t.Fatalf("10 samples took %s", d)
	}
	checkCadence(t, rec.samples, o.Period, 750*time.Millisecond)
	want := []time.Duration{2 * time.Second}
	for i := 0; i < 10; i++ {
		want = append(want, 750*time.Millisecond, 250*time.Millisecond)
	}
	if diff := cmp.Diff(want, clk.Waits()); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}
	// Every function command is addressed with SKIP ROM.
	for _, io := range sim.Transactions() {
		if io.Func != 0 && io.ROM != owb.CmdSkipROM {
			t.Fatalf("unexpected transaction %#v", io)
		}
	}
	if !contains(messages(hook), "Single device optimisations enabled") {
		t.Fatalf("missing solo log: %q", messages(hook))
	}
}

func TestRun_three(t *testing.T) {
	sim := owbtest.NewBus(
		owbtest.NewDevice(rom(1), 0x0191),
		owbtest.NewDevice(rom(2), 0x0550),
		owbtest.NewDevice(rom(3), -0x0370),
	)
	order, err := owb.Enumerate(owb.New(sim), 0)
	if err != nil {
		t.Fatal(err)
	}
	clk := newClock()
	var buf bytes.Buffer
	p := NewPrinter(&buf, &PrinterOpts{})
	o := opts(clk, p)
	o.Samples = 2
	s, hook := newSampler(t, sim, o)
	sim.Trace = nil
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(order, s.Devices()); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}
	msgs := messages(hook)
	for i, r := range order {
		if m := "  " + string(rune('0'+i)) + " : " + r.String(); !contains(msgs, m) {
			t.Fatalf("missing %q in %q", m, msgs)
		}
	}
	if !contains(msgs, "Found 3 devices") {
		t.Fatalf("missing count in %q", msgs)
	}
	// One broadcast then one addressed read per device, in order.
	var seq []owbtest.IO
	for _, io := range sim.Transactions() {
		if io.Func == owb.CmdConvertT || io.Func == owb.CmdReadScratch {
			seq = append(seq, io)
		}
	}
	// The first three reads come from configuring the resolution.
	seq = seq[3:]
	if len(seq) != 8 {
		t.Fatalf("unexpected sequence %#v", seq)
	}
	for j := 0; j < 2; j++ {
		c := seq[4*j]
		if c.ROM != owb.CmdSkipROM || c.Func != owb.CmdConvertT || !c.Pull {
			t.Fatalf("expected a broadcast conversion, got %#v", c)
		}
		for i := 0; i < 3; i++ {
			if r := seq[4*j+1+i]; r.ROM != owb.CmdMatchROM || r.Match != order[i] {
				t.Fatalf("read %d of sample %d: %#v", i, j+1, r)
			}
		}
	}
	vals := map[owb.ROMCode]string{rom(1): "25.1", rom(2): "85.0", rom(3): "-55.0"}
	want := "sample 1\n"
	for i, r := range order {
		want += "  " + string(rune('0'+i)) + ": " + vals[r] + "    0 errors\n"
	}
	want += strings.Replace(want, "sample 1", "sample 2", 1)
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_crcFault(t *testing.T) {
	sim := owbtest.NewBus(
		owbtest.NewDevice(rom(1), 0x0191),
		owbtest.NewDevice(rom(2), 0x0191),
		owbtest.NewDevice(rom(3), 0x0191),
	)
	order, err := owb.Enumerate(owb.New(sim), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range sim.Devices {
		if d.ROM == order[1] {
			d.CRCFaults = -1
		}
	}
	rec := &recorder{}
	o := opts(newClock(), rec)
	o.Samples = 4
	s, hook := newSampler(t, sim, o)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, smp := range rec.samples {
		want := []ds18b20.Reading{0x0191, ds18b20.Invalid, 0x0191}
		if diff := cmp.Diff(want, smp.Readings); diff != "" {
			t.Fatalf("sample %d readings mismatch (-want +got):\n%s", i+1, diff)
		}
		if diff := cmp.Diff([]int{0, i + 1, 0}, smp.Errors); diff != "" {
			t.Fatalf("sample %d errors mismatch (-want +got):\n%s", i+1, diff)
		}
	}
	if diff := cmp.Diff([]int{0, 4, 0}, s.Errors()); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
	// The resolution could not be checked on the faulty device.
	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, order[1].String()) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a warning for the faulty device")
	}
}

func TestRun_errorsMonotonic(t *testing.T) {
	sim := owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191), owbtest.NewDevice(rom(2), 0x0191))
	rec := &recorder{}
	rec.f = func(s *Sample) {
		// Faults come and go.
		sim.Devices[s.N%2].CRCFaults = s.N % 3
	}
	o := opts(newClock(), rec)
	o.Samples = 12
	s, _ := newSampler(t, sim, o)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(rec.samples); i++ {
		for j := range rec.samples[i].Errors {
			if rec.samples[i].Errors[j] < rec.samples[i-1].Errors[j] {
				t.Fatalf("error count of device %d went down at sample %d", j, i+1)
			}
			inc := rec.samples[i].Errors[j] - rec.samples[i-1].Errors[j]
			if valid := rec.samples[i].Readings[j].Valid(); valid != (inc == 0) {
				t.Fatalf("device %d sample %d: valid %t increment %d", j, i+1, valid, inc)
			}
		}
	}
}

func TestRun_noDevices(t *testing.T) {
	sim := owbtest.NewBus()
	rec := &recorder{}
	s, _ := newSampler(t, sim, opts(newClock(), rec))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	waitState(t, s, Idle)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(rec.samples) != 0 {
		t.Fatalf("unexpected samples %v", rec.samples)
	}
	if s.State() != Stopped {
		t.Fatalf("unexpected state %s", s.State())
	}
}

func TestRun_devicesLost(t *testing.T) {
	sim := owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191))
	rec := &recorder{}
	rec.f = func(s *Sample) { sim.Devices[0].Absent = true }
	s, _ := newSampler(t, sim, opts(newClock(), rec))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	waitState(t, s, Idle)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(rec.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(rec.samples))
	}
}

func waitState(t *testing.T, s *Sampler, st State) {
	t.Helper()
	for end := time.Now().Add(5 * time.Second); time.Now().Before(end); {
		if s.State() == st {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state %s never reached, in %s", st, s.State())
}

func TestRun_overrun(t *testing.T) {
	clk := newClock()
	l := &slowLine{
		Bus:   owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191), owbtest.NewDevice(rom(2), 0x0191)),
		clock: clk,
		delay: 800 * time.Millisecond,
	}
	rec := &recorder{}
	o := opts(clk, rec)
	o.Samples = 5
	s, _ := newSampler(t, l, o)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Two reads take longer than the period: no sleep between samples.
	for _, w := range clk.Waits()[1:] {
		if w != 750*time.Millisecond {
			t.Fatalf("unexpected wait %s in %s", w, clk.Waits())
		}
	}
	checkCadence(t, rec.samples, o.Period, 750*time.Millisecond+1600*time.Millisecond)
	for i := 1; i < len(rec.samples); i++ {
		if d := rec.samples[i].Time.Sub(rec.samples[i-1].Time); d != 2350*time.Millisecond {
			t.Fatalf("samples %s apart", d)
		}
	}
}

func TestRun_cancel(t *testing.T) {
	sim := owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	rec.f = func(s *Sample) {
		if s.N == 3 {
			cancel()
		}
	}
	s, _ := newSampler(t, sim, opts(newClock(), rec))
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 3 {
		t.Fatalf("expected 3 samples, got %d", s.Count())
	}
	if err := s.Run(ctx); err == nil {
		t.Fatal("a Sampler runs once")
	}
}

func TestRun_cancelSettle(t *testing.T) {
	sim := owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := opts(SystemClock{}, nil)
	o.Settle = time.Hour
	s, _ := newSampler(t, sim, o)
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if sim.Resets != 0 {
		t.Fatal("the bus was accessed")
	}
}

func TestRun_busFailure(t *testing.T) {
	sim := owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191), owbtest.NewDevice(rom(2), 0x0191))
	rec := &recorder{}
	rec.f = func(s *Sample) {
		if s.N == 2 {
			sim.Stuck = true
		}
	}
	s, _ := newSampler(t, sim, opts(newClock(), rec))
	err := s.Run(context.Background())
	if !errors.Is(err, owb.ErrBus) {
		t.Fatalf("expected ErrBus, got %v", err)
	}
	if s.Count() != 2 || s.State() != Stopped {
		t.Fatalf("count %d state %s", s.Count(), s.State())
	}
}

func TestRun_enumerationRefused(t *testing.T) {
	sim := owbtest.NewBus(
		owbtest.NewDevice(rom(1), 0x0191),
		owbtest.NewDevice(rom(2), 0x0191),
		owbtest.NewDevice(rom(3), 0x0191),
	)
	rec := &recorder{}
	o := opts(newClock(), rec)
	o.MaxDevices = 2
	s, _ := newSampler(t, sim, o)
	if err := s.Run(context.Background()); !errors.Is(err, owb.ErrTooManyDevices) {
		t.Fatalf("expected ErrTooManyDevices, got %v", err)
	}
	if len(rec.samples) != 0 {
		t.Fatal("sampling started")
	}

	sim = owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191))
	sim.Stuck = true
	s, _ = newSampler(t, sim, opts(newClock(), rec))
	if err := s.Run(context.Background()); !errors.Is(err, owb.ErrBus) {
		t.Fatalf("expected ErrBus, got %v", err)
	}
}

func TestRun_badROMExcluded(t *testing.T) {
	bad := rom(2)
	bad[7] ^= 0xff
	// The excluded device still answers, so reads must address rom(1).
	sim := owbtest.NewBus(owbtest.NewDevice(rom(1), 0x0191), owbtest.NewDevice(bad, 0x0550))
	rec := &recorder{}
	o := opts(newClock(), rec)
	o.Samples = 3
	s, hook := newSampler(t, sim, o)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]owb.ROMCode{rom(1)}, s.Devices()); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}
	if contains(messages(hook), "Single device optimisations enabled") {
		t.Fatal("solo mode enabled with an excluded device on the bus")
	}
	if len(rec.samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(rec.samples))
	}
	for i, smp := range rec.samples {
		if diff := cmp.Diff([]ds18b20.Reading{0x0191}, smp.Readings); diff != "" {
			t.Fatalf("#%d readings mismatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff([]int{0}, smp.Errors); diff != "" {
			t.Fatalf("#%d errors mismatch (-want +got):\n%s", i, diff)
		}
	}
	reads := 0
	for i, io := range sim.Transactions() {
		if io.ROM == owb.CmdSkipROM && io.Func != owb.CmdConvertT {
			t.Fatalf("#%d: %#x sent with SKIP ROM", i, io.Func)
		}
		if io.Func == owb.CmdReadScratch {
			if io.ROM != owb.CmdMatchROM || io.Match != rom(1) {
				t.Fatalf("#%d: unexpected read %+v", i, io)
			}
			reads++
		}
	}
	if reads < 3 {
		t.Fatalf("expected at least 3 reads, got %d", reads)
	}
}

func TestCrcFailures(t *testing.T) {
	a := &owb.CRCError{}
	b := &owb.CRCError{}
	data := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{owb.ErrBus, 0},
		{a, 1},
		{errors.Join(a), 1},
		{errors.Join(a, b), 2},
		{fmt.Errorf("wrap: %w", errors.Join(a, owb.ErrBus, b)), 2},
		{errors.Join(errors.Join(a, b), a), 3},
	}
	for i, line := range data {
		if got := crcFailures(line.err); got != line.want {
			t.Fatalf("#%d: crcFailures(%v) = %d, want %d", i, line.err, got, line.want)
		}
	}
}

func TestSystemClock_Timer(t *testing.T) {
	c, stop := SystemClock{}.Timer(time.Hour)
	if !stop() {
		t.Fatal("expected the timer to be active")
	}
	select {
	case <-c:
		t.Fatal("stopped timer fired")
	default:
	}
	c, stop = SystemClock{}.Timer(time.Millisecond)
	<-c
	if stop() {
		t.Fatal("expected the timer to be expired")
	}
}

func TestScan(t *testing.T) {
	known, err := owb.ParseROMCode("28-ee-cc-87-2e-16-01-??")
	if err != nil {
		t.Fatal(err)
	}
	other := rom(9)
	sim := owbtest.NewBus(owbtest.NewDevice(known, 0x0191), owbtest.NewDevice(rom(1), 0x0191))
	o := opts(newClock(), nil)
	o.Known = []owb.ROMCode{known, other}
	s, hook := newSampler(t, sim, o)
	roms, err := s.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(roms) != 2 {
		t.Fatalf("unexpected devices %v", roms)
	}
	msgs := messages(hook)
	if m := "Device " + known.String() + " is present"; !contains(msgs, m) {
		t.Fatalf("missing %q in %q", m, msgs)
	}
	if m := "Device " + other.String() + " is not present"; !contains(msgs, m) {
		t.Fatalf("missing %q in %q", m, msgs)
	}
	// Nothing was configured.
	for _, d := range sim.Devices {
		if d.Reads != 0 || d.Writes != 0 || d.Conversions != 0 {
			t.Fatalf("device %s was accessed", d.ROM)
		}
	}
}

func TestNew_invalid(t *testing.T) {
	bus := owb.New(owbtest.NewBus())
	for _, o := range []Opts{
		{Resolution: 8, Period: time.Second},
		{Resolution: 12},
		{Resolution: 12, Period: time.Second, MaxDevices: -1},
	} {
		o := o
		if _, err := New(bus, &o, nil); err == nil {
			t.Fatalf("expected an error for %+v", o)
		}
	}
	if _, err := New(bus, &DefaultOpts, nil); err != nil {
		t.Fatal(err)
	}
}

func TestState_String(t *testing.T) {
	want := []string{"init", "enumerating", "configured", "sampling", "idle", "stopped", "State(6)"}
	for i, w := range want {
		if s := State(i).String(); s != w {
			t.Fatalf("State(%d) = %q, want %q", i, s, w)
		}
	}
}
