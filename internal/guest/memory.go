package guest

import (
	"fmt"

	"github.com/tetratelabs/wazero/experimental"

	"github.com/jedisct1/was-not-wasm-go/internal/memprotect"
)

// mmapAllocator is a wazero experimental.MemoryAllocator that backs a
// guest's linear memory with a single anonymous mmap reserved at the
// memory's declared maximum size. Reserving the full maximum up front, and
// never reallocating afterward, is what makes mprotect over sub-ranges of
// the resulting slice valid for the allocator's lifetime — there is no
// runtime memory growth to invalidate a previously protected range. This is
// the same technique moby-moby's vendored wazero internal/wasm.MemoryInstance
// uses when a
// non-nil experimental.MemoryAllocator is configured: Allocate is handed
// (capBytes, maxBytes) once and the returned experimental.LinearMemory's
// Reallocate is what actually produces the []byte the VM operates on.
//
// One mmapAllocator backs exactly one guest instantiation — guest.Run
// constructs a fresh one per call — so it can hold the single produced
// mmapLinearMemory for guest.Run to read back the full reserved capacity
// afterward. wazero's own Memory.Read only exposes bytes up to the guest's
// currently-declared size, not the reserved capacity the allocator needs for
// guard pages and unused tail memory beyond heap_base.
type mmapAllocator struct {
	mem *mmapLinearMemory
}

// Allocate implements experimental.MemoryAllocator.
func (a *mmapAllocator) Allocate(cap, max uint64) experimental.LinearMemory {
	buf, err := memprotect.Mmap(int(max))
	if err != nil {
		// experimental.MemoryAllocator has no error return; a failed mmap
		// for the guest's entire address space is unrecoverable.
		panic(fmt.Sprintf("guest: reserving %d bytes of guest memory: %v", max, err))
	}
	a.mem = &mmapLinearMemory{buf: buf}
	return a.mem
}

// Capacity returns the full reserved backing slice, at its maximum
// (mmap'd) length, once Allocate has run. It is nil before the first guest
// memory is allocated.
func (a *mmapAllocator) Capacity() []byte {
	if a.mem == nil {
		return nil
	}
	return a.mem.buf
}

// mmapLinearMemory implements experimental.LinearMemory over a single
// mmap'd region. Reallocate never grows or moves the buffer in this repo —
// the module's max memory size is reserved on the first call and every
// later call (if the guest module's own Min < Max and it grows) simply
// re-slices the same backing array.
type mmapLinearMemory struct {
	buf []byte
}

// Reallocate implements experimental.LinearMemory.
func (m *mmapLinearMemory) Reallocate(size uint64) []byte {
	return m.buf[:size]
}

// Free implements experimental.LinearMemory.
func (m *mmapLinearMemory) Free() {
	if err := memprotect.Munmap(m.buf); err != nil {
		// Best-effort: the process is tearing down regardless.
		_ = err
	}
}
