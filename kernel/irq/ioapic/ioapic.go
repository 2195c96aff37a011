// Package ioapic discovers I/O Advanced Programmable Interrupt Controllers
// from the ACPI MADT and programs their redirection tables. It is the
// concrete implementation behind kernel/irq's ControllerRecord interface;
// kernel/irq never imports this package directly so the two stay
// one-directional (see kernel/irq/route.go).
package ioapic

import (
	"gopheros/device/acpi/table"
	"gopheros/kernel"
	"gopheros/kernel/irq"
	"gopheros/kernel/irq/isa"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/vmm"
	"io"
	"unsafe"
)

const (
	regSelOffset = 0x00
	regWinOffset = 0x10

	regID      = 0x00
	regVersion = 0x01

	redirTableBase = 0x10

	localAPICEOIAddr uintptr = 0xfee000b0
)

// Controller is the interface RegisterIRQ and the boot sequence use to talk
// to a discovered I/O APIC. It matches kernel/irq.ControllerRecord
// structurally; the two are kept as separate declarations so neither package
// needs to import the other.
type Controller interface {
	IRQRange() (first, last uint32)
	Route(tuple isa.Tuple, vector irq.Vector)
	Mask(tuple isa.Tuple)
}

// controller is the concrete, unexported implementation of Controller. Its
// address field holds the virtual address the controller's MMIO registers
// were mapped to, not its physical one.
type controller struct {
	id       uint8
	address  uintptr
	irqBase  uint32
	irqCount uint32
}

var (
	controllers []*controller

	mapRegionFn = vmm.MapRegion
	eoiFn       = writeLocalAPICEOI

	errNoMADT = &kernel.Error{Module: "ioapic", Message: "ACPI MADT table not supplied"}
)

// Init walks madt's variable-length entry records the same way an RSDT/XSDT
// table walker advances by each entry's own Length field, mapping each I/O
// APIC it finds into virtual memory and applying any ISA interrupt source
// override it finds onto kernel/irq/isa. madtLen is the MADT's total table
// length, including its header, as reported by the table's own
// SDTHeader.Length.
func Init(madt *table.MADT, madtLen uint32) *kernel.Error {
	if madt == nil {
		return errNoMADT
	}

	isa.Init()

	entriesStart := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(*madt)
	entriesEnd := uintptr(unsafe.Pointer(madt)) + uintptr(madtLen)

	for ptr := entriesStart; ptr < entriesEnd; {
		entry := (*table.MADTEntry)(unsafe.Pointer(ptr))
		payload := ptr + unsafe.Sizeof(*entry)

		switch entry.Type {
		case table.MADTEntryTypeIOAPIC:
			ioapicEntry := (*table.MADTEntryIOAPIC)(unsafe.Pointer(payload))
			if err := addController(ioapicEntry); err != nil {
				return err
			}
		case table.MADTEntryTypeIntSrcOverride:
			override := (*table.MADTEntryInterruptSrcOverride)(unsafe.Pointer(payload))
			polarity, trigger := isa.DecodeMPSFlags(override.Flags)
			isa.ApplyOverride(override.IRQSrc, override.GlobalInterrupt, polarity, trigger)
		}

		ptr += uintptr(entry.Length)
	}

	irq.SetAckFn(Ack)
	irq.SetControllerProvider(controllerRecords)
	return nil
}

func addController(e *table.MADTEntryIOAPIC) *kernel.Error {
	frame := mm.FrameFromAddress(uintptr(e.Address))
	page, err := mapRegionFn(frame, mm.PageSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return err
	}

	c := &controller{
		id:      e.APICID,
		address: page.Address(),
		irqBase: e.SysInterruptBase,
	}
	ver := c.readReg(regVersion)
	c.irqCount = ((ver >> 16) & 0xff) + 1

	controllers = append(controllers, c)
	return nil
}

// controllerRecords adapts the discovered controllers to kernel/irq's
// ControllerRecord interface. Each *controller already satisfies it
// structurally; this just builds the slice kernel/irq.SetControllerProvider
// expects.
func controllerRecords() []irq.ControllerRecord {
	out := make([]irq.ControllerRecord, len(controllers))
	for i, c := range controllers {
		out[i] = c
	}
	return out
}

// Iter returns the discovered controllers in the order the MADT listed
// them.
func Iter() []Controller {
	out := make([]Controller, len(controllers))
	for i, c := range controllers {
		out[i] = c
	}
	return out
}

// PrintInfo writes one diagnostic line per discovered controller to w.
func PrintInfo(w io.Writer) {
	for _, c := range controllers {
		first, last := c.IRQRange()
		kfmt.Fprintf(w, " => I/O APIC id %2x at %16x handling irqs %d-%d\n", c.id, c.address, first, last)
	}
}

// Ack acknowledges the local APIC with an end-of-interrupt write. The
// interrupt's vector plays no part in EOI on the local APIC; it is accepted
// here only to satisfy the shape Dispatch expects of an ack function.
func Ack(_ irq.Vector) {
	eoiFn()
}

func writeLocalAPICEOI() {
	*(*uint32)(unsafe.Pointer(localAPICEOIAddr)) = 0
}

func (c *controller) readReg(index uint32) uint32 {
	*(*uint32)(unsafe.Pointer(c.address + regSelOffset)) = index
	return *(*uint32)(unsafe.Pointer(c.address + regWinOffset))
}

func (c *controller) writeReg(index uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(c.address + regSelOffset)) = index
	*(*uint32)(unsafe.Pointer(c.address + regWinOffset)) = value
}

// IRQRange returns the inclusive range of IRQ lines this controller owns.
func (c *controller) IRQRange() (first, last uint32) {
	return c.irqBase, c.irqBase + c.irqCount - 1
}

// Route programs tuple's line to fire vector, with the polarity and trigger
// mode tuple specifies, delivered to the bootstrap processor, and leaves the
// line unmasked.
func (c *controller) Route(tuple isa.Tuple, vector irq.Vector) {
	offset := tuple.IRQ - c.irqBase
	lowIndex := redirTableBase + 2*offset
	highIndex := lowIndex + 1

	low := uint32(vector)
	if tuple.Polarity == isa.PolarityLow {
		low |= 1 << 13
	}
	if tuple.Trigger == isa.TriggerLevel {
		low |= 1 << 15
	}

	c.writeReg(highIndex, 0)
	c.writeReg(lowIndex, low)
}

// Mask sets the mask bit on tuple's redirection entry, leaving its vector
// and polarity/trigger programming untouched.
func (c *controller) Mask(tuple isa.Tuple) {
	offset := tuple.IRQ - c.irqBase
	lowIndex := redirTableBase + 2*offset
	low := c.readReg(lowIndex)
	c.writeReg(lowIndex, low|1<<16)
}
