// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds9097

import (
	"bytes"
	"errors"
	"testing"

	"github.com/GermanBionicSystems/owtemp/owb"
	"github.com/google/go-cmp/cmp"
)

// fakePort echoes every character, optionally corrupted to model devices
// pulling the line low.
type fakePort struct {
	line   *fakeLine
	baud   int
	echo   bytes.Buffer
	closed bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.closed {
		return 0, errors.New("closed")
	}
	for _, c := range b {
		p.line.written = append(p.line.written, sent{p.baud, c})
		switch {
		case p.baud == ResetBaud:
			p.echo.WriteByte(p.line.presence)
		case c == 0xff && len(p.line.low) > 0:
			if p.line.low[0] {
				c = 0xfe
			}
			p.line.low = p.line.low[1:]
			p.echo.WriteByte(c)
		default:
			p.echo.WriteByte(c)
		}
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.echo.Read(b)
}

func (p *fakePort) Flush() error {
	p.echo.Reset()
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

type sent struct {
	baud int
	c    byte
}

type fakeLine struct {
	presence byte   // echo of the reset character
	low      []bool // read slots pulled low by a device
	written  []sent
	opens    []int
}

func (l *fakeLine) open(baud int) (Port, error) {
	l.opens = append(l.opens, baud)
	return &fakePort{line: l, baud: baud}, nil
}

func TestReset(t *testing.T) {
	l := &fakeLine{presence: 0xe0}
	d, err := New("fake", l.open)
	if err != nil {
		t.Fatal(err)
	}
	present, err := d.Reset()
	if err != nil || !present {
		t.Fatalf("expected presence, got %t %v", present, err)
	}
	l.presence = 0xf0
	if present, err = d.Reset(); err != nil || present {
		t.Fatalf("expected no presence, got %t %v", present, err)
	}
	l.presence = 0x00
	if _, err = d.Reset(); !errors.Is(err, ErrStuck) {
		t.Fatalf("expected ErrStuck, got %v", err)
	}
	want := []int{SlotBaud, ResetBaud, SlotBaud, ResetBaud, SlotBaud, ResetBaud, SlotBaud}
	if diff := cmp.Diff(want, l.opens); diff != "" {
		t.Fatalf("baud rates mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteBits(t *testing.T) {
	l := &fakeLine{}
	d, err := New("fake", l.open)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBits([]byte{0x33, 0x01}, 10); err != nil {
		t.Fatal(err)
	}
	want := []sent{
		{SlotBaud, 0xff}, {SlotBaud, 0xff}, {SlotBaud, 0x00}, {SlotBaud, 0x00},
		{SlotBaud, 0xff}, {SlotBaud, 0xff}, {SlotBaud, 0x00}, {SlotBaud, 0x00},
		{SlotBaud, 0xff}, {SlotBaud, 0x00},
	}
	if diff := cmp.Diff(want, l.written, cmp.AllowUnexported(sent{})); diff != "" {
		t.Fatalf("slots mismatch (-want +got):\n%s", diff)
	}
}

func TestReadBits(t *testing.T) {
	l := &fakeLine{low: []bool{false, true, true, false, true, true, true, false, true, false}}
	d, err := New("fake", l.open)
	if err != nil {
		t.Fatal(err)
	}
	r := []byte{0, 0xff}
	if err := d.ReadBits(r, 10); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x89, 0x02}, r); diff != "" {
		t.Fatalf("ReadBits() mismatch (-want +got):\n%s", diff)
	}
}

func TestBus(t *testing.T) {
	// A device answering READ ROM with an all zero code.
	// The write-one slots of the command are not pulled low.
	l := &fakeLine{presence: 0xe0, low: make([]bool, 4)}
	for i := 0; i < 64; i++ {
		l.low = append(l.low, true)
	}
	d, err := New("fake", l.open)
	if err != nil {
		t.Fatal(err)
	}
	b := owb.New(d)
	rom, err := b.ReadROM()
	if err != nil {
		t.Fatal(err)
	}
	if rom != (owb.ROMCode{}) {
		t.Fatalf("unexpected rom %s", rom)
	}
	if s := b.String(); s != "owb{DS9097{fake}}" {
		t.Fatal(s)
	}
}

func TestClosed(t *testing.T) {
	l := &fakeLine{}
	d, err := New("fake", l.open)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBits([]byte{0}, 1); err == nil {
		t.Fatal("expected an error on a closed port")
	}
}
