// Package memprotect wraps the three OS calls the guarded allocator needs —
// mmap, mprotect, munmap — behind a small Protector interface, routed
// through golang.org/x/sys/unix, the idiomatic wrapper for the
// platform-specific protection constants (PROT_NONE, PROT_READ, PROT_WRITE)
// a raw syscall import would otherwise have to redeclare per OS.
package memprotect

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mode is a page protection level a region of linear memory can be set to.
type Mode int

const (
	// NoAccess maps a region with PROT_NONE: any guest access traps.
	NoAccess Mode = iota
	// ReadOnly maps a region with PROT_READ.
	ReadOnly
	// ReadWrite maps a region with PROT_READ|PROT_WRITE.
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case NoAccess:
		return "none"
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

func (m Mode) prot() int {
	switch m {
	case NoAccess:
		return unix.PROT_NONE
	case ReadOnly:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		panic(fmt.Sprintf("memprotect: unknown mode %d", m))
	}
}

// Protector changes the OS-level protection of byte ranges inside the region
// of linear memory it was constructed over, which the allocator does not
// own but has exclusive authority to reprotect. Implementations must treat
// repeated calls with the same mode as idempotent. Protect takes the
// region's absolute offset and length, not a bare slice, so implementations
// that track protection per-region (e.g. a test double) can distinguish one
// sub-range of the backing memory from another.
type Protector interface {
	// Protect changes the protection of the page-aligned region
	// [offset, offset+length) to mode.
	Protect(offset, length uint32, mode Mode) error
}

// OSProtector is the production Protector: it issues real mprotect(2) calls
// against one guest's linear memory, mmap'd by this process (see Mmap
// below). mem must not be memory obtained any other way — mprotect requires
// the region to be backed by its own page mapping.
type OSProtector struct {
	mem []byte
}

// NewOSProtector returns a Protector issuing mprotect(2) calls against
// sub-ranges of mem.
func NewOSProtector(mem []byte) OSProtector {
	return OSProtector{mem: mem}
}

// Protect implements Protector.
func (p OSProtector) Protect(offset, length uint32, mode Mode) error {
	if length == 0 {
		return nil
	}
	region := p.mem[offset : offset+length]
	if err := unix.Mprotect(region, mode.prot()); err != nil {
		return fmt.Errorf("mprotect(%d bytes at %d, %s): %w", length, offset, mode, err)
	}
	return nil
}

// PageSize returns the OS page size. Callers must not assume 4096.
func PageSize() int {
	return unix.Getpagesize()
}

// RoundUpToPage rounds n up to the next multiple of pageSize.
func RoundUpToPage(n, pageSize uint32) uint32 {
	mask := pageSize - 1
	return (n + mask) &^ mask
}

// Mmap reserves size bytes of anonymous, private memory the guest's linear
// memory will live inside for the lifetime of one guest instance. The
// region starts fully readable and writable; callers reprotect sub-ranges
// with Protect as the allocator hands out and reclaims allocations.
func Mmap(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d bytes): %w", size, err)
	}
	return b, nil
}

// Munmap releases memory obtained from Mmap.
func Munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("munmap(%d bytes): %w", len(b), err)
	}
	return nil
}
