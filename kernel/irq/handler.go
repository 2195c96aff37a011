package irq

import (
	"gopheros/kernel/sync"
	"reflect"
)

// RegisterHandler pushes h onto vector's handler chain, ahead of any
// previously registered handler. It is performed under the combined
// interrupt-mask and routing write lock since Dispatch may run on any CPU
// at any time once a handler is live. It returns false if the kernel heap
// has no capacity left for the new chain node.
func RegisterHandler(vector Vector, h Handler) bool {
	sync.IntrLock()
	defer sync.IntrUnlock()
	routeLock.Lock()
	defer routeLock.Unlock()

	node := newChainNode(h, chains[vector])
	if node == nil {
		return false
	}
	chains[vector] = node
	return true
}

// UnregisterHandler removes the first node on vector's chain whose handler
// equals h. It is a silent no-op if no such node exists.
func UnregisterHandler(vector Vector, h Handler) {
	sync.IntrLock()
	routeLock.Lock()
	unregisterHandlerLocked(vector, h)
	routeLock.Unlock()
	sync.IntrUnlock()
}

// unregisterHandlerLocked requires routeLock to be held for writing.
func unregisterHandlerLocked(vector Vector, h Handler) {
	var prev *chainNode
	for node := chains[vector]; node != nil; node = node.next {
		if sameHandler(node.handler, h) {
			if prev == nil {
				chains[vector] = node.next
			} else {
				prev.next = node.next
			}
			releaseChainNode(node)
			return
		}
		prev = node
	}
}

// sameHandler reports whether a and b point at the same function. Go
// forbids comparing func values directly; comparing their code pointers is
// the standard workaround and matches the identity semantics of the
// original C code's raw function-pointer comparison.
func sameHandler(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
