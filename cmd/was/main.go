// Command was runs a WebAssembly guest module under a hardening shim that
// traps out-of-bounds writes, use-after-free, double-free, and leaks via OS
// page protection and canary bytes, instead of letting them silently
// corrupt the guest heap.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/jedisct1/was-not-wasm-go/internal/config"
	"github.com/jedisct1/was-not-wasm-go/internal/diag"
	"github.com/jedisct1/was-not-wasm-go/internal/guest"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		file       string
		heapBase   uint32
		canaryOnly bool
		entrypoint string
	)

	cmd := &cobra.Command{
		Use:   "was",
		Short: "WAS (not WASM) — a guarded allocator shim for a WebAssembly guest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Runtime{
				HeapBase:           heapBase,
				CanaryCheckOnAlloc: canaryOnly,
				Entrypoint:         entrypoint,
			}
			return run(file, cfg)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "path to a WebAssembly bytecode file")
	flags.Uint32VarP(&heapBase, "heap-base", "b", config.DefaultHeapBase, "byte offset where the guest heap begins")
	flags.BoolVarP(&canaryOnly, "canary-check-on-alloc", "c", false, "run a full canary sweep on every malloc")
	flags.StringVarP(&entrypoint, "entrypoint", "e", config.DefaultEntrypoint, "name of the exported guest function to invoke")
	cobra.CheckErr(cmd.MarkFlagRequired("file"))

	return cmd
}

func run(file string, cfg config.Runtime) error {
	wasmBytes, err := os.ReadFile(file)
	if err != nil {
		diag.Log.Errorf("reading %s: %v", file, err)
		return err
	}

	ctx := context.Background()
	if _, err := guest.Run(ctx, wasmBytes, cfg); err != nil {
		diag.Log.Error(err)
		return err
	}
	return nil
}
