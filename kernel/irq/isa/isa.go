// Package isa models the legacy ISA interrupt lines: their default 1:1
// mapping onto global system interrupts and the polarity/trigger overrides
// firmware may supply via the ACPI MADT's Interrupt Source Override
// entries.
package isa

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
)

// Lines is the number of legacy ISA interrupt lines (IRQ0-IRQ15).
const Lines = 16

// Polarity describes whether a line is active-high or active-low.
type Polarity uint8

const (
	PolarityHigh Polarity = iota
	PolarityLow
)

// Trigger describes whether a line is edge- or level-triggered.
type Trigger uint8

const (
	TriggerEdge Trigger = iota
	TriggerLevel
)

// Tuple pairs an IRQ line with the polarity and trigger mode an interrupt
// controller must be programmed with to receive it correctly.
type Tuple struct {
	IRQ      uint32
	Polarity Polarity
	Trigger  Trigger
}

var (
	lines [Lines]Tuple

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler.
	panicFn = kfmt.Panic

	errInvalidLine = &kernel.Error{Module: "isa", Message: "invalid ISA interrupt line"}
)

// Init installs the default 1:1, active-high, edge-triggered mapping for
// every ISA line. Any firmware override must be applied after Init and
// before any driver registers a handler for the affected line.
func Init() {
	for line := range lines {
		lines[line] = Tuple{IRQ: uint32(line), Polarity: PolarityHigh, Trigger: TriggerEdge}
	}
}

// Line returns the tuple describing an ISA interrupt line. An out-of-range
// line is a programming error and panics.
func Line(line uint32) *Tuple {
	if line >= Lines {
		panicFn(errInvalidLine)
		return nil
	}
	return &lines[line]
}

// ApplyOverride mutates the tuple for the ISA line identified by busIRQ to
// route to globalInterrupt with the given polarity and trigger mode,
// reflecting a MADT Interrupt Source Override entry. Lines outside the ISA
// range are ignored: overrides target a specific bus IRQ, and an
// out-of-range one cannot correspond to any ISA line.
func ApplyOverride(busIRQ uint8, globalInterrupt uint32, polarity Polarity, trigger Trigger) {
	if uint32(busIRQ) >= Lines {
		return
	}

	lines[busIRQ] = Tuple{
		IRQ:      globalInterrupt,
		Polarity: polarity,
		Trigger:  trigger,
	}
}

// DecodeMPSFlags decodes the MPS INTI flags carried by a MADT Interrupt
// Source Override entry (ACPI spec, table 5.25) into a Polarity and
// Trigger. The "conforms to bus default" encoding (00) resolves to ISA's
// own default of active-high, edge-triggered.
func DecodeMPSFlags(flags uint16) (Polarity, Trigger) {
	polarity := PolarityHigh
	if flags&0x3 == 0x3 {
		polarity = PolarityLow
	}

	trigger := TriggerEdge
	if flags&0xc == 0xc {
		trigger = TriggerLevel
	}

	return polarity, trigger
}
