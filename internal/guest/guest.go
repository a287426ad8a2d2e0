// Package guest drives one guest WebAssembly module from raw bytecode
// through instantiation, memory sealing, entrypoint invocation, and
// termination reporting. It creates the wazero runtime and hands it to
// hostabi, which registers the host imports against it; allocator stays
// oblivious to which WebAssembly runtime is in use.
package guest

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/jedisct1/was-not-wasm-go/internal/allocator"
	"github.com/jedisct1/was-not-wasm-go/internal/config"
	"github.com/jedisct1/was-not-wasm-go/internal/diag"
	"github.com/jedisct1/was-not-wasm-go/internal/hostabi"
	"github.com/jedisct1/was-not-wasm-go/internal/memprotect"
)

// Result carries the exit-relevant outcome of a single Run. The host import
// surface aborts the process directly on any guest-detected corruption, so
// Result only ever distinguishes startup errors from a clean run.
type Result struct {
	Summary allocator.Summary
}

// Run loads wasmBytes as a guest module, binds the fixed host import
// surface, seals linear memory, invokes cfg.Entrypoint, and produces the
// termination report. Any error returned here is a startup error —
// runtime guest errors abort the process directly from within the host
// import closures and never reach this return path.
func Run(ctx context.Context, wasmBytes []byte, cfg config.Runtime) (Result, error) {
	memAlloc := &mmapAllocator{}
	ctx = experimental.WithMemoryAllocator(ctx, memAlloc)

	rc := wazero.NewRuntimeConfig().WithMemoryCapacityFromMax(true)
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	defer r.Close(ctx)

	closers, err := hostabi.Instantiate(ctx, r)
	for _, c := range closers {
		defer c.Close(ctx)
	}
	if err != nil {
		return Result{}, fmt.Errorf("Unable to instantiate the module: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		return Result{}, fmt.Errorf("Unable to instantiate the module: %w", err)
	}
	defer compiled.Close(ctx)

	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return Result{}, fmt.Errorf("Unable to instantiate the module: %w", err)
	}
	defer mod.Close(ctx)

	if mod.Memory() == nil {
		return Result{}, fmt.Errorf("Unable to instantiate the module: module declares no memory")
	}

	// buf is the full mmap'd capacity reserved for this guest's linear
	// memory, not just the bytes wazero currently considers "sized" — the
	// allocator needs room past the guest's declared minimum for guard
	// pages and future allocations, all backed by the one mprotect-able
	// mapping reserved up front.
	buf := memAlloc.Capacity()

	pageSize := uint32(memprotect.PageSize())
	protector := memprotect.NewOSProtector(buf)

	if uint64(len(buf)) < uint64(cfg.HeapBase)+uint64(pageSize) {
		return Result{}, fmt.Errorf("Unable to instantiate the module: guest memory too small for heap base %d", cfg.HeapBase)
	}

	state := allocator.New(cfg, pageSize, buf, protector)
	heapOffset, err := hostabi.SealInitialMemory(protector, len(buf), state.HeapOffset, pageSize)
	if err != nil {
		return Result{}, fmt.Errorf("Unable to instantiate the module: %w", err)
	}
	state.HeapOffset = heapOffset

	guestState := &hostabi.GuestState{Alloc: state, Mem: buf}
	ctx = hostabi.WithGuestState(ctx, guestState)

	entrypoint := mod.ExportedFunction(cfg.Entrypoint)
	if entrypoint == nil {
		return Result{}, fmt.Errorf("Unable to run the webassembly code: function %q not exported", cfg.Entrypoint)
	}

	if _, err := entrypoint.Call(ctx); err != nil {
		return Result{}, fmt.Errorf("Unable to run the webassembly code: %w", err)
	}

	summary, err := guestState.RunTerminate()
	if err == hostabi.ErrAlreadyTerminated {
		return Result{}, nil
	}
	if err != nil {
		// The guest returned normally but left memory corrupted in a way
		// the fallback sweep caught; this is a runtime abort, not a startup
		// error, even though the guest already ran to completion.
		diag.Abort(err.Error())
	}
	hostabi.PrintSummary(os.Stderr, summary)
	return Result{Summary: summary}, nil
}
