package irq

import (
	"gopheros/kernel"
	"gopheros/kernel/gate"
	"gopheros/kernel/mm/heap"
	"testing"
)

func TestRegisterHandlerPushesOntoChainHead(t *testing.T) {
	resetDispatch()
	defer resetDispatch()

	vector := Vector(0x21)
	var calls []int
	h1 := func(*gate.Registers) { calls = append(calls, 1) }
	h2 := func(*gate.Registers) { calls = append(calls, 2) }

	RegisterHandler(vector, h1)
	RegisterHandler(vector, h2)

	if chains[vector] == nil || chains[vector].next == nil {
		t.Fatal("expected two chained nodes")
	}

	for node := chains[vector]; node != nil; node = node.next {
		node.handler(nil)
	}
	if len(calls) != 2 || calls[0] != 2 || calls[1] != 1 {
		t.Errorf("expected most-recently-registered handler first, got %v", calls)
	}
}

func TestUnregisterHandlerRemovesMatchingNode(t *testing.T) {
	resetDispatch()
	defer resetDispatch()

	vector := Vector(0x21)
	h1 := func(*gate.Registers) {}
	h2 := func(*gate.Registers) {}
	h3 := func(*gate.Registers) {}

	RegisterHandler(vector, h1)
	RegisterHandler(vector, h2)
	RegisterHandler(vector, h3)

	UnregisterHandler(vector, h2)

	var remaining []Handler
	for node := chains[vector]; node != nil; node = node.next {
		remaining = append(remaining, node.handler)
	}

	if len(remaining) != 2 {
		t.Fatalf("expected 2 handlers left, got %d", len(remaining))
	}
	if !sameHandler(remaining[0], h3) || !sameHandler(remaining[1], h1) {
		t.Error("expected h2 specifically to be removed, leaving h3 then h1")
	}
}

func TestUnregisterHandlerNoOpWhenAbsent(t *testing.T) {
	resetDispatch()
	defer resetDispatch()

	vector := Vector(0x21)
	h1 := func(*gate.Registers) {}
	h2 := func(*gate.Registers) {}

	RegisterHandler(vector, h1)
	UnregisterHandler(vector, h2)

	if chains[vector] == nil || !sameHandler(chains[vector].handler, h1) {
		t.Error("expected unrelated handler to remain untouched")
	}
}

func TestRegisterHandlerFailsWhenHeapExhausted(t *testing.T) {
	resetDispatch()
	defer resetDispatch()

	errHeapFull := &kernel.Error{Module: "heap", Message: "no free range large enough to satisfy the request"}
	heapAllocFn = func(uintptr, heap.Flag) (uintptr, *kernel.Error) { return 0, errHeapFull }

	vector := Vector(0x21)
	if RegisterHandler(vector, func(*gate.Registers) {}) {
		t.Fatal("expected RegisterHandler to fail when the kernel heap has no capacity left")
	}
	if chains[vector] != nil {
		t.Error("expected no chain node to be linked when the heap allocation fails")
	}
}

func TestUnregisterHandlerReleasesHeapSlot(t *testing.T) {
	resetDispatch()
	defer resetDispatch()

	var freed []uintptr
	heapFreeFn = func(slot uintptr) { freed = append(freed, slot) }

	vector := Vector(0x21)
	h := func(*gate.Registers) {}
	RegisterHandler(vector, h)
	slot := chains[vector].heapSlot

	UnregisterHandler(vector, h)

	if len(freed) != 1 || freed[0] != slot {
		t.Errorf("expected the registered node's heap slot %d to be released, got %v", slot, freed)
	}
}

func TestSameHandlerComparesCodePointerNotClosureValue(t *testing.T) {
	fn := func(*gate.Registers) {}
	other := func(*gate.Registers) {}

	if !sameHandler(fn, fn) {
		t.Error("expected a handler to equal itself")
	}
	if sameHandler(fn, other) {
		t.Error("expected distinct function literals to differ")
	}
}
