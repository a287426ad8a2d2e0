// Package allocator implements the guarded bump allocator: the data
// structure and protocol that tracks live allocations inside a guest's
// linear memory, sandwiches every allocation between canary slack and a
// guard page, and drives OS page-protection transitions on malloc and free.
//
// It never imports a WebAssembly runtime or touches syscalls directly — it
// operates on a plain []byte view of linear memory and a memprotect.Protector
// capable of reprotecting ranges of that view, the same separation the
// teacher this package is grounded on (mmussomele/mlock) draws between its
// Buffer's mmap'd backing array and the syscall.Mprotect calls over it.
package allocator

import (
	"errors"
	"fmt"

	"github.com/jedisct1/was-not-wasm-go/internal/config"
	"github.com/jedisct1/was-not-wasm-go/internal/memprotect"
)

// Canary and Junk are the fixed sentinel bytes stamped into, respectively,
// an allocation's round-up slack (which precedes the user region) and its
// user region.
const (
	Canary byte = 0xD0
	Junk   byte = 0xDB
)

// Allocation records one live guest allocation. It is never mutated once
// inserted — malloc creates it, free removes it.
type Allocation struct {
	// Offset is the page-aligned start of the reserved region.
	Offset uint32
	// Start is the address returned to the guest.
	Start uint32
	// Size is the number of bytes requested.
	Size uint32
	// RoundedSize is the number of bytes reserved, a multiple of page size.
	RoundedSize uint32
}

// SlackLen is the number of canary bytes preceding the user region.
func (a Allocation) SlackLen() uint32 {
	return a.Start - a.Offset
}

// ErrHostInvariant signals a bug in the host, not the guest — e.g. a second
// allocation claiming a start address already in use. It is always fatal.
var ErrHostInvariant = errors.New("allocator: host invariant violation")

// CorruptionError is returned when a canary sweep finds a byte in an
// allocation's slack that does not match the canary value.
type CorruptionError struct {
	Offset uint32 // absolute linear-memory offset of the mismatch
	Base   uint32 // the allocation's Offset
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("Corruption detected at offset %d (base: %d)", e.Offset, e.Base)
}

// InvalidFreeError is returned when free is called on a start address with
// no matching live allocation.
type InvalidFreeError struct {
	Start uint32
}

func (e *InvalidFreeError) Error() string {
	return fmt.Sprintf("free()ing invalid offset %d", e.Start)
}

// OverFreeError is returned when free_count would exceed alloc_count.
type OverFreeError struct{}

func (e *OverFreeError) Error() string { return "free()ing unallocated memory" }

// State is the per-guest-instance allocator record described above. It
// is attached exclusively to one guest instance; nothing outside the
// instance lifecycle touches it concurrently (see the guest state registry
// in internal/hostabi for how a single host import closure recovers a
// reference to it).
type State struct {
	HeapOffset uint32
	PageSize   uint32

	Allocations map[uint32]Allocation

	CanaryByte         byte
	JunkByte           byte
	CanaryCheckOnAlloc bool

	AllocCount      uint64
	FreeCount       uint64
	AllocTotalUsage uint64

	mem       []byte
	protector memprotect.Protector
}

// New constructs allocator state for one guest instance. mem is the full
// linear memory backing slice; protector reprotects ranges of it. heapOffset
// is cfg.HeapBase rounded up to the next page boundary.
func New(cfg config.Runtime, pageSize uint32, mem []byte, protector memprotect.Protector) *State {
	return &State{
		HeapOffset:         memprotect.RoundUpToPage(cfg.HeapBase, pageSize),
		PageSize:           pageSize,
		Allocations:        make(map[uint32]Allocation),
		CanaryByte:         Canary,
		JunkByte:           Junk,
		CanaryCheckOnAlloc: cfg.CanaryCheckOnAlloc,
		mem:                mem,
		protector:          protector,
	}
}

// Malloc reserves size bytes for the guest and returns the address of the
// user region. size==0 is accepted and not special-cased — it produces an
// empty, zero-width allocation record rather than being clamped to a 1-byte
// request; see DESIGN.md for why.
func (s *State) Malloc(size uint32) (uint32, error) {
	if s.CanaryCheckOnAlloc {
		if err := s.sweepCanaries(); err != nil {
			return 0, err
		}
	}

	offset := s.HeapOffset
	roundedSize := memprotect.RoundUpToPage(size, s.PageSize)
	end := offset + roundedSize
	start := end - size

	if err := s.protector.Protect(offset, roundedSize, memprotect.ReadWrite); err != nil {
		return 0, fmt.Errorf("malloc: %w", err)
	}

	fill(s.region(start, end), s.JunkByte)
	if offset != start {
		fill(s.region(offset, start), s.CanaryByte)
	}

	if _, exists := s.Allocations[start]; exists {
		return 0, fmt.Errorf("%w: allocation already recorded for start %d", ErrHostInvariant, start)
	}
	s.Allocations[start] = Allocation{Offset: offset, Start: start, Size: size, RoundedSize: roundedSize}

	// The page after end is a permanent guard; it is never mapped writable
	// and never tracked as part of any allocation record.
	s.HeapOffset = end + s.PageSize

	s.AllocCount++
	s.AllocTotalUsage += uint64(size)
	return start, nil
}

// Free looks up the live allocation, verifies its canary slack, unmaps its pages, and drops the record.
func (s *State) Free(start uint32) error {
	a, ok := s.Allocations[start]
	if !ok {
		return &InvalidFreeError{Start: start}
	}

	if err := s.checkCanary(a); err != nil {
		return err
	}

	if err := s.protector.Protect(a.Offset, a.RoundedSize, memprotect.NoAccess); err != nil {
		return fmt.Errorf("free: %w", err)
	}

	delete(s.Allocations, start)
	s.FreeCount++
	if s.FreeCount > s.AllocCount {
		return &OverFreeError{}
	}
	return nil
}

// Summary is the (alloc_count, leaked, alloc_total_usage) tuple terminate
// reports.
type Summary struct {
	AllocCount      uint64
	Leaked          uint64
	AllocTotalUsage uint64
}

// Terminate runs a full canary sweep, restores the entire linear memory to
// read+write, and returns the counters terminate's fixed-format stderr
// report is built from.
func (s *State) Terminate() (Summary, error) {
	if err := s.sweepCanaries(); err != nil {
		return Summary{}, err
	}
	if err := s.protector.Protect(0, uint32(len(s.mem)), memprotect.ReadWrite); err != nil {
		return Summary{}, fmt.Errorf("terminate: %w", err)
	}
	return Summary{
		AllocCount:      s.AllocCount,
		Leaked:          s.AllocCount - s.FreeCount,
		AllocTotalUsage: s.AllocTotalUsage,
	}, nil
}

func (s *State) checkCanary(a Allocation) error {
	slack := s.region(a.Offset, a.Start)
	for i, b := range slack {
		if b != s.CanaryByte {
			return &CorruptionError{Offset: a.Offset + uint32(i), Base: a.Offset}
		}
	}
	return nil
}

// sweepCanaries checks the canary slack of every live allocation; order is
// unspecified.
func (s *State) sweepCanaries() error {
	for _, a := range s.Allocations {
		if err := s.checkCanary(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) region(from, to uint32) []byte {
	return s.mem[from:to]
}

// fill stamps v across b using a doubling copy, the same technique the
// teacher's Buffer.Zero uses to clear its data region in O(log n) copies
// rather than a byte-at-a-time loop.
func fill(b []byte, v byte) {
	if len(b) == 0 {
		return
	}
	b[0] = v
	for i := 1; i < len(b); i *= 2 {
		copy(b[i:], b[:i])
	}
}
