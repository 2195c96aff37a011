package sync

import "gopheros/kernel/cpu"

// maxCPUs bounds the per-CPU interrupt-mask save slots. It is sized to the
// largest initial APIC ID that cpu.CurrentID can report.
const maxCPUs = 256

// intrState tracks, for a single CPU, how many nested IntrLock calls are
// currently outstanding and what the interrupt-enable flag was before the
// outermost call disabled it. The slot is only ever touched by its owning
// CPU so it needs no lock of its own.
type intrState struct {
	depth      uint32
	savedFlags uint64
}

var perCPUIntrState [maxCPUs]intrState

// disableInterruptsFn, saveFlagsFn, restoreFlagsFn and currentIDFn are mocked
// by tests. RestoreFlags alone is sufficient to re-enable interrupts when
// they were enabled prior to the outermost IntrLock, so no separate
// enable-interrupts hook is needed.
var (
	disableInterruptsFn = cpu.DisableInterrupts
	saveFlagsFn         = cpu.SaveFlags
	restoreFlagsFn      = cpu.RestoreFlags
	currentIDFn         = cpu.CurrentID
)

// IntrLock disables local interrupt delivery on the calling CPU and records
// the previous interrupt-enable state so a matching IntrUnlock can restore
// it. Calls nest: only the outermost IntrLock actually captures the prior
// flags, and only the outermost IntrUnlock restores them.
func IntrLock() {
	id := currentIDFn()
	state := &perCPUIntrState[id]
	if state.depth == 0 {
		state.savedFlags = saveFlagsFn()
		disableInterruptsFn()
	}
	state.depth++
}

// IntrUnlock reverses the effect of one IntrLock call. Once the outermost
// pairing unwinds, the CPU's interrupt-enable state prior to the first
// IntrLock call is restored.
func IntrUnlock() {
	id := currentIDFn()
	state := &perCPUIntrState[id]
	if state.depth == 0 {
		return
	}
	state.depth--
	if state.depth == 0 {
		restoreFlagsFn(state.savedFlags)
	}
}
