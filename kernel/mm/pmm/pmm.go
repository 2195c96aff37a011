// Package pmm implements the kernel's physical frame allocator. During boot
// it hands out frames using a simple bump allocator seeded from the boot
// loader's memory map, then switches over to a bitmap-backed allocator that
// also supports freeing frames once its own bookkeeping structures have been
// mapped into the kernel address space.
package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
)

var (
	// bootMemAllocator is the page allocator used while bootstrapping the
	// kernel. It is used to reserve the frames backing bitmapAllocator's
	// own free bitmap.
	bootMemAllocator BootMemAllocator

	// bitmapAllocator is the allocator used by the kernel once boot is
	// complete; unlike bootMemAllocator it also supports Free.
	bitmapAllocator BitmapAllocator
)

// Init sets up the kernel physical memory allocation sub-system, excluding
// the frames occupied by the kernel image itself from future allocations.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	bootMemAllocator.init(kernelStart, kernelEnd)
	bootMemAllocator.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)

	if err := bitmapAllocator.init(); err != nil {
		return err
	}

	// Any frame the boot allocator already handed out below its current
	// high-water mark, including the pages backing bitmapAllocator's own
	// free bitmap, must be retired before the bitmap allocator takes over.
	for frame := bitmapAllocator.startFrame; frame <= bootMemAllocator.lastAllocFrame; frame++ {
		bitmapAllocator.markReserved(frame)
	}

	mm.SetFrameAllocator(bitmapAllocFrame)
	return nil
}

// Alloc reserves and returns a physical frame from the bitmap allocator set
// up by Init. It does not fall back to the boot allocator.
func Alloc() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}

// Free releases a frame previously returned by Alloc back to the pool.
func Free(f mm.Frame) {
	_ = bitmapAllocator.FreeFrame(f)
}

func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return bootMemAllocator.AllocFrame()
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}
