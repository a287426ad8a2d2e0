// Package hostabi wires the guarded allocator to a guest WebAssembly module
// running under wazero. It builds the fixed host import surface (index.debug_val,
// index.terminate, env.abort, system.malloc, system.free) and recovers each guest instance's allocator state from the
// context.Context wazero threads through every host function call.
package hostabi

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/jedisct1/was-not-wasm-go/internal/allocator"
	"github.com/jedisct1/was-not-wasm-go/internal/config"
	"github.com/jedisct1/was-not-wasm-go/internal/diag"
	"github.com/jedisct1/was-not-wasm-go/internal/memprotect"
)

type guestStateKeyType struct{}

var guestStateKey = guestStateKeyType{}

// GuestState bundles one guest instance's allocator state with enough of its
// backing linear memory to restore protections and read bytes for
// diagnostics.
type GuestState struct {
	Alloc *allocator.State
	Mem   []byte

	terminated bool
}

// ErrAlreadyTerminated is returned by RunTerminate when terminate has
// already run once for this guest, either because the guest called it
// itself or because the host already ran the post-entrypoint fallback.
var ErrAlreadyTerminated = fmt.Errorf("terminate already ran")

// RunTerminate runs the canary sweep, counters, and memory-reopen exactly
// once per guest instance. A guest may call index.terminate itself, or the
// host may run it as a fallback after the entrypoint returns without the
// guest having called it — a report is expected either way, but
// never two reports.
func (g *GuestState) RunTerminate() (allocator.Summary, error) {
	if g.terminated {
		return allocator.Summary{}, ErrAlreadyTerminated
	}
	g.terminated = true
	return g.Alloc.Terminate()
}

// WithGuestState returns a context carrying state, recoverable by every host
// import closure invoked (directly or via nested guest calls) from a Call
// using the returned context — the stable, mutable handle into one guest
// instance's allocator state that every host import needs.
func WithGuestState(ctx context.Context, state *GuestState) context.Context {
	return context.WithValue(ctx, guestStateKey, state)
}

func mustGuestState(ctx context.Context) *GuestState {
	s, ok := ctx.Value(guestStateKey).(*GuestState)
	if !ok {
		// A host import was called without WithGuestState having been set on
		// the invoking Call's context — a bug in this host, not the guest.
		diag.Abort("allocator state missing from call context")
	}
	return s
}

// Namespaces are the three fixed import module names.
const (
	NamespaceIndex  = "index"
	NamespaceEnv    = "env"
	NamespaceSystem = "system"
)

// Instantiate registers the fixed host import surface against r and returns
// the three host modules so the caller can close them on teardown. Guest
// module instantiation against these imports fails if the guest declares an
// import these modules do not provide.
func Instantiate(ctx context.Context, r wazero.Runtime) ([]api.Closer, error) {
	var closers []api.Closer

	idx, err := r.NewHostModuleBuilder(NamespaceIndex).
		NewFunctionBuilder().WithFunc(debugVal).Export("debug_val").
		NewFunctionBuilder().WithFunc(terminate).Export("terminate").
		Instantiate(ctx)
	if err != nil {
		return closers, fmt.Errorf("registering %q imports: %w", NamespaceIndex, err)
	}
	closers = append(closers, idx)

	env, err := r.NewHostModuleBuilder(NamespaceEnv).
		NewFunctionBuilder().WithFunc(abort).Export("abort").
		Instantiate(ctx)
	if err != nil {
		return closers, fmt.Errorf("registering %q imports: %w", NamespaceEnv, err)
	}
	closers = append(closers, env)

	sys, err := r.NewHostModuleBuilder(NamespaceSystem).
		NewFunctionBuilder().WithFunc(malloc).Export("malloc").
		NewFunctionBuilder().WithFunc(free).Export("free").
		Instantiate(ctx)
	if err != nil {
		return closers, fmt.Errorf("registering %q imports: %w", NamespaceSystem, err)
	}
	closers = append(closers, sys)

	return closers, nil
}

// debugVal implements index.debug_val: (u32) -> (). Prints "Debug: [N]" to
// stdout, an exact protocol line never routed through the structured logger.
func debugVal(_ context.Context, _ api.Module, val uint32) {
	fmt.Fprintf(os.Stdout, "Debug: [%d]\n", val)
}

// abort implements env.abort: (u32, u32, u32, u32) -> (). Unconditional
// fatal abort; the message text is fixed regardless of the four arguments.
func abort(_ context.Context, _ api.Module, _ uint32, _ uint32, _ uint32, _ uint32) {
	diag.Abort("abort()")
}

// malloc implements system.malloc: (u32) -> u32.
func malloc(ctx context.Context, _ api.Module, size uint32) uint32 {
	state := mustGuestState(ctx)
	start, err := state.Alloc.Malloc(size)
	if err != nil {
		diag.Abort(err.Error())
	}
	return start
}

// free implements system.free: (u32) -> ().
func free(ctx context.Context, _ api.Module, start uint32) {
	state := mustGuestState(ctx)
	if err := state.Alloc.Free(start); err != nil {
		diag.Abort(err.Error())
	}
}

// terminate implements index.terminate: () -> (). Runs a full canary sweep,
// restores the entire linear memory to read+write, and prints the
// three-line counter report to stderr.
func terminate(ctx context.Context, _ api.Module) {
	state := mustGuestState(ctx)
	summary, err := state.RunTerminate()
	if err == ErrAlreadyTerminated {
		return
	}
	if err != nil {
		diag.Abort(err.Error())
	}
	PrintSummary(os.Stderr, summary)
}

// PrintSummary writes the exact three-line terminate report.
func PrintSummary(w *os.File, summary allocator.Summary) {
	fmt.Fprintf(w, "Allocations:  %d\n", summary.AllocCount)
	fmt.Fprintf(w, "Leaked:       %d\n", summary.Leaked)
	fmt.Fprintf(w, "Memory usage: %d bytes\n", summary.AllocTotalUsage)
}

// SealInitialMemory lays out the three memory regions a guest starts with, before
// the guest entrypoint is ever invoked: [0, heapOffset) read-only,
// [heapOffset, heapOffset+pageSize) unmapped guard page,
// [heapOffset+pageSize, memLen) unmapped. It returns the heap offset
// advanced past that initial guard page, which is where the allocator's
// first malloc will begin.
func SealInitialMemory(protector memprotect.Protector, memLen int, heapOffset, pageSize uint32) (uint32, error) {
	if err := protector.Protect(0, heapOffset, memprotect.ReadOnly); err != nil {
		return 0, fmt.Errorf("sealing static region: %w", err)
	}
	guardEnd := heapOffset + pageSize
	if err := protector.Protect(heapOffset, pageSize, memprotect.NoAccess); err != nil {
		return 0, fmt.Errorf("sealing initial guard page: %w", err)
	}
	if err := protector.Protect(guardEnd, uint32(memLen)-guardEnd, memprotect.NoAccess); err != nil {
		return 0, fmt.Errorf("sealing unused memory: %w", err)
	}
	return guardEnd, nil
}
