// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sampler

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/GermanBionicSystems/owtemp/ds18b20"
	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// PrinterOpts represents the options of a Printer.
type PrinterOpts struct {
	// Color appends a colour swatch to each reading using ANSI color codes.
	Color   bool
	Palette *ansi256.Palette

	_ struct{}
}

// Printer is an Emitter that writes each sample as a text block:
//
//	sample 3
//	  0: 21.5    0 errors
//	  1: -999.0    2 errors
type Printer struct {
	w       io.Writer
	color   bool
	palette ansi256.Palette

	buf bytes.Buffer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, opts *PrinterOpts) *Printer {
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	return &Printer{w: w, color: opts.Color, palette: *p}
}

// NewConsolePrinter returns a Printer on stdout, with colours when stdout is a
// terminal.
func NewConsolePrinter() *Printer {
	fd := os.Stdout.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return NewPrinter(colorable.NewColorableStdout(), &PrinterOpts{Color: tty})
}

func (p *Printer) String() string {
	return "Printer"
}

// Halt resets the terminal colour.
func (p *Printer) Halt() error {
	if !p.color {
		return nil
	}
	_, err := p.w.Write([]byte("\033[0m"))
	return err
}

// Emit implements Emitter. The block is written with a single Write call.
func (p *Printer) Emit(s *Sample) error {
	p.buf.Reset()
	fmt.Fprintf(&p.buf, "sample %d\n", s.N)
	for i, r := range s.Readings {
		fmt.Fprintf(&p.buf, "  %d: %s    %d errors", i, r, s.Errors[i])
		if p.color {
			_, _ = p.buf.WriteString(" ")
			_, _ = io.WriteString(&p.buf, p.palette.Block(swatch(r)))
			_, _ = p.buf.WriteString("\033[0m")
		}
		_ = p.buf.WriteByte('\n')
	}
	_, err := p.buf.WriteTo(p.w)
	return err
}

// swatch maps -10°C..40°C from blue to red. Invalid readings are grey.
func swatch(r ds18b20.Reading) color.NRGBA {
	if !r.Valid() {
		return color.NRGBA{0x80, 0x80, 0x80, 255}
	}
	c := r.Celsius()
	switch {
	case c < -10:
		c = -10
	case c > 40:
		c = 40
	}
	t := (c + 10) / 50
	return color.NRGBA{byte(255 * t), 0x40, byte(255 * (1 - t)), 255}
}

var _ Emitter = &Printer{}
var _ fmt.Stringer = &Printer{}
