package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/vmm"
	"gopheros/multiboot"
	"testing"
	"unsafe"
)

func TestBitmapAllocatorInit(t *testing.T) {
	defer func() {
		reserveRegionFn = vmm.EarlyReserveRegion
		mapFn = vmm.Map
	}()

	defer withMemRegions([]multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 128 * mm.PageSize, Type: multiboot.MemAvailable},
	})()

	backing := make([]uint64, 16)
	reserveRegionFn = func(size uintptr) (uintptr, *kernel.Error) {
		return uintptr(unsafe.Pointer(&backing[0])), nil
	}

	mapCalls := 0
	mapFn = func(_ mm.Page, _ mm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
		mapCalls++
		return nil
	}

	var alloc BitmapAllocator
	if err := alloc.init(); err != nil {
		t.Fatal(err)
	}

	if exp := uint32(128); alloc.frameCount != exp {
		t.Errorf("expected frameCount to be %d; got %d", exp, alloc.frameCount)
	}

	if exp := alloc.frameCount; alloc.freeCount != exp {
		t.Errorf("expected freeCount to be %d; got %d", exp, alloc.freeCount)
	}

	if mapCalls == 0 {
		t.Error("expected init to map at least one page for the free bitmap")
	}
}

func TestBitmapAllocatorAllocFreeRoundTrip(t *testing.T) {
	alloc := BitmapAllocator{
		startFrame: mm.Frame(100),
		frameCount: 128,
		freeCount:  128,
		freeBitmap: make([]uint64, 2),
	}

	var allocated []mm.Frame
	for i := 0; i < 128; i++ {
		f, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected error allocating frame %d: %v", i, err)
		}
		allocated = append(allocated, f)
	}

	if alloc.freeCount != 0 {
		t.Errorf("expected freeCount to reach 0; got %d", alloc.freeCount)
	}

	if _, err := alloc.AllocFrame(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory once exhausted; got %v", err)
	}

	seen := make(map[mm.Frame]bool)
	for _, f := range allocated {
		if seen[f] {
			t.Fatalf("frame %d allocated more than once", f)
		}
		seen[f] = true
		if f < alloc.startFrame || f >= alloc.startFrame+mm.Frame(alloc.frameCount) {
			t.Fatalf("allocated frame %d outside of pool range", f)
		}
	}

	if err := alloc.FreeFrame(allocated[0]); err != nil {
		t.Fatal(err)
	}
	if exp := uint32(1); alloc.freeCount != exp {
		t.Errorf("expected freeCount to be %d after one free; got %d", exp, alloc.freeCount)
	}

	again, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if again != allocated[0] {
		t.Errorf("expected freed frame %d to be reallocated; got %d", allocated[0], again)
	}
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	alloc := BitmapAllocator{
		startFrame: mm.Frame(10),
		frameCount: 64,
		freeBitmap: make([]uint64, 1),
	}

	if err := alloc.FreeFrame(mm.Frame(5)); err != errDoubleFree {
		t.Fatalf("expected errDoubleFree for out-of-range frame; got %v", err)
	}

	if err := alloc.FreeFrame(mm.Frame(10)); err != errDoubleFree {
		t.Fatalf("expected errDoubleFree for already-free frame; got %v", err)
	}
}

func TestBitmapAllocatorMarkReserved(t *testing.T) {
	alloc := BitmapAllocator{
		startFrame: mm.Frame(0),
		frameCount: 64,
		freeCount:  64,
		freeBitmap: make([]uint64, 1),
	}

	alloc.markReserved(mm.Frame(3))
	if exp := uint32(63); alloc.freeCount != exp {
		t.Errorf("expected freeCount to be %d; got %d", exp, alloc.freeCount)
	}

	// Marking the same frame reserved again must not double-decrement.
	alloc.markReserved(mm.Frame(3))
	if exp := uint32(63); alloc.freeCount != exp {
		t.Errorf("expected freeCount to stay %d; got %d", exp, alloc.freeCount)
	}

	for i := 0; i < 64; i++ {
		if i == 3 {
			continue
		}
		if f, err := alloc.AllocFrame(); err != nil || f == mm.Frame(3) {
			t.Fatalf("unexpected allocation result at iteration %d: frame=%v err=%v", i, f, err)
		}
	}
}
