package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mm"
	"gopheros/kernel/mm/vmm"
	"gopheros/multiboot"
	"math"
	"reflect"
	"unsafe"
)

var (
	// The following functions are used by tests to mock calls to the vmm
	// package and are automatically inlined by the compiler.
	reserveRegionFn   = vmm.EarlyReserveRegion
	mapFn             = vmm.Map
	visitMemRegionsFn = multiboot.VisitMemRegions

	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames available"}
	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "frame is already free"}
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations for a single contiguous pool of available memory using a
// free bitmap. One bit is reserved per frame; a cleared bit indicates that
// the frame is free.
type BitmapAllocator struct {
	// startFrame is the frame number of the first frame covered by this
	// allocator.
	startFrame mm.Frame

	// frameCount is the total number of frames covered by the bitmap.
	frameCount uint32

	// freeCount tracks the number of currently free frames so Alloc can
	// fail fast without scanning the bitmap.
	freeCount uint32

	// freeBitmap holds one bit per tracked frame. Bit i%64 of word i/64
	// corresponds to frame (startFrame + i).
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader

	// nextFreeHint is the index of the first word that may still contain
	// a free bit; scans resume from here instead of from the start of
	// the bitmap every time.
	nextFreeHint uint32
}

// init locates the largest available memory region reported by the boot
// loader and carves out space for the allocator's own bitmap from the early
// reserved virtual address range. Every tracked frame starts out free; init
// does not mark the bitmap's own backing frames as used (pmm.Init does that
// afterwards via markReserved).
func (alloc *BitmapAllocator) init() *kernel.Error {
	var (
		regionStart, regionLen uint64
		havePool               bool
	)

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		if !havePool || region.Length > regionLen {
			regionStart, regionLen = region.PhysAddress, region.Length
			havePool = true
		}
		return true
	})

	if !havePool {
		return errOutOfMemory
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := mm.Frame(((regionStart + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
	endFrame := mm.Frame(((regionStart+regionLen)&^pageSizeMinus1)>>mm.PageShift) - 1
	if endFrame <= startFrame {
		return errOutOfMemory
	}

	alloc.startFrame = startFrame
	alloc.frameCount = uint32(endFrame - startFrame + 1)

	bitmapWords := (alloc.frameCount + 63) >> 6
	bitmapBytes := uintptr(bitmapWords) * 8
	requiredBytes := (bitmapBytes + uintptr(pageSizeMinus1)) &^ uintptr(pageSizeMinus1)
	requiredPages := requiredBytes >> mm.PageShift

	bitmapAddr, err := reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, index := mm.PageFromAddress(bitmapAddr), uintptr(0); index < requiredPages; page, index = page+1, index+1 {
		frame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}

	alloc.freeBitmapHdr.Data = bitmapAddr
	alloc.freeBitmapHdr.Len = int(bitmapWords)
	alloc.freeBitmapHdr.Cap = int(bitmapWords)
	alloc.freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.freeBitmapHdr))
	for i := range alloc.freeBitmap {
		alloc.freeBitmap[i] = 0
	}

	alloc.freeCount = alloc.frameCount

	// The frames used by the bitmap itself plus everything the early
	// allocator has already handed out are retired by pmm.Init, which
	// calls markReserved for each of them.
	return nil
}

// markReserved flags the frame as in-use and, if it was free, decrements
// freeCount. Frames outside the tracked range are ignored. It is used during
// boot to retire
// frames that the early allocator has already handed out.
func (alloc *BitmapAllocator) markReserved(frame mm.Frame) {
	if frame < alloc.startFrame || frame >= alloc.startFrame+mm.Frame(alloc.frameCount) {
		return
	}
	index := uint32(frame - alloc.startFrame)
	word, bit := index>>6, index&63
	if alloc.freeBitmap[word]&(1<<bit) == 0 {
		alloc.freeBitmap[word] |= 1 << bit
		alloc.freeCount--
	}
}

// AllocFrame reserves and returns the first available frame tracked by this
// allocator. It returns errOutOfMemory if no free frame is available.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	numWords := uint32(len(alloc.freeBitmap))
	for i := uint32(0); i < numWords; i++ {
		word := (alloc.nextFreeHint + i) % numWords
		block := alloc.freeBitmap[word]
		if block == math.MaxUint64 {
			continue
		}

		for bit := uint32(0); bit < 64; bit++ {
			if block&(1<<bit) != 0 {
				continue
			}

			frameIndex := word*64 + bit
			if frameIndex >= alloc.frameCount {
				break
			}

			alloc.freeBitmap[word] |= 1 << bit
			alloc.freeCount--
			alloc.nextFreeHint = word
			return alloc.startFrame + mm.Frame(frameIndex), nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame back to the
// pool. Freeing a frame that is not currently reserved, or one outside the
// range tracked by this allocator, leaves the allocator unchanged and returns
// errDoubleFree.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if frame < alloc.startFrame || frame >= alloc.startFrame+mm.Frame(alloc.frameCount) {
		return errDoubleFree
	}

	index := uint32(frame - alloc.startFrame)
	word, bit := index>>6, index&63
	if alloc.freeBitmap[word]&(1<<bit) == 0 {
		return errDoubleFree
	}

	alloc.freeBitmap[word] &^= 1 << bit
	alloc.freeCount++
	alloc.nextFreeHint = word
	return nil
}
