package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mm"
	"gopheros/multiboot"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

// BootMemAllocator implements a rudimentary physical memory allocator used to
// bootstrap the kernel before BitmapAllocator is ready to take over.
//
// The allocator scans the memory region information provided by the boot
// loader and hands out the next available free frame, skipping over the
// region occupied by the kernel image itself. Allocations are tracked via an
// internal counter; frames handed out by this allocator cannot be freed.
type BootMemAllocator struct {
	allocCount uint64

	lastAllocFrame mm.Frame

	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator's internal state, excluding the
// page range occupied by the kernel image from future allocations.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart &^ pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1)&^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame scans the system memory regions reported by the boot loader and
// reserves the next available free frame.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	err := errBootAllocOutOfMemory

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1

		if alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		switch {
		case (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame):
			// The kernel image sits at the front of this region, or the
			// next candidate frame runs straight into it; skip past it.
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		case alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0:
			alloc.lastAllocFrame = regionStartFrame
		default:
			alloc.lastAllocFrame++
		}

		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, err
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// printMemoryMap logs the system's memory map along with the region reserved
// for the kernel image.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree uint64
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("  [0x%16x - 0x%16x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})

	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[pmm] reserved pages for kernel image: %d\n", uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1))
}
