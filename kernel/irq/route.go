package irq

import (
	"gopheros/kernel/irq/isa"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/sync"
	"io"
)

// ControllerRecord is the minimal shape an interrupt controller must expose
// for RegisterIRQ/UnregisterIRQ to program it. It is declared here, rather
// than importing kernel/irq/ioapic directly (which itself imports this
// package for Vector and SetAckFn), so the two packages stay one-directional;
// ioapic's controllers satisfy this interface structurally.
type ControllerRecord interface {
	// IRQRange returns the inclusive [first, last] range of IRQ lines
	// this controller owns.
	IRQRange() (first, last uint32)
	Route(tuple isa.Tuple, vector Vector)
	Mask(tuple isa.Tuple)
}

// controllersFn enumerates discovered controllers; installed by
// kernel/irq/ioapic's Init via SetControllerProvider. Mocked directly by
// tests in this package.
var controllersFn = func() []ControllerRecord { return nil }

// SetControllerProvider installs the function RegisterIRQ and UnregisterIRQ
// use to enumerate discovered interrupt controllers.
func SetControllerProvider(fn func() []ControllerRecord) {
	controllersFn = fn
}

// findController returns the controller owning irq, or nil if none does.
// The range test is inclusive of last: the original C source's
// `irq >= irq_first && irq < irq_last` silently excluded the highest IRQ
// line each controller owns, which this corrects to `irq <= irq_last`.
func findController(irqLine uint32) ControllerRecord {
	for _, c := range controllersFn() {
		first, last := c.IRQRange()
		if irqLine >= first && irqLine <= last {
			return c
		}
	}
	return nil
}

// RegisterIRQ locates the controller owning tuple's line, registers h on
// the vector that line maps onto, and programs the controller to route the
// line there using the tuple's polarity and trigger. The handler is
// installed before the controller is unmasked so an interrupt that arrives
// immediately after programming never finds an empty chain. It returns
// false if no discovered controller owns the line, or if the kernel heap
// has no capacity left for the new chain node.
func RegisterIRQ(tuple isa.Tuple, h Handler) bool {
	vector := VectorForIRQ(tuple.IRQ)

	sync.IntrLock()
	defer sync.IntrUnlock()
	routeLock.Lock()
	defer routeLock.Unlock()

	c := findController(tuple.IRQ)
	if c == nil {
		return false
	}

	node := newChainNode(h, chains[vector])
	if node == nil {
		return false
	}

	chains[vector] = node
	c.Route(tuple, vector)
	return true
}

// UnregisterIRQ masks tuple's line at every controller that owns it, then
// removes h from the chain for the vector the line maps onto. Masking
// happens before the handler is unlinked so a line that fires between the
// two steps still finds a live chain.
func UnregisterIRQ(tuple isa.Tuple, h Handler) {
	vector := VectorForIRQ(tuple.IRQ)

	sync.IntrLock()
	defer sync.IntrUnlock()
	routeLock.Lock()
	defer routeLock.Unlock()

	if c := findController(tuple.IRQ); c != nil {
		c.Mask(tuple)
	}
	unregisterHandlerLocked(vector, h)
}

// PrintRouting prints the ISA-line-to-vector defaults, for boot
// diagnostics alongside kernel/irq/ioapic.PrintInfo.
func PrintRouting(w io.Writer) {
	for line := uint32(0); line < isa.Lines; line++ {
		t := isa.Line(line)
		kfmt.Fprintf(w, "ISA IRQ %2d -> vector 0x%2x\n", t.IRQ, uint8(VectorForIRQ(t.IRQ)))
	}
}
