package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/capsule/internal/wasmbin"
	"github.com/caffeineduck/capsule/launcher"
)

var runtimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "List the capsule runtimes known to the well-known module",
	Long: `Load the well-known runtime-discovery module and print the runtimes it
enumerates, keyed by version.

Without --probe the built-in prober is used, which reports the engine
embedded in this binary. With --probe the given module is registered as
the well-known module instead; it must export capsule_runtimes.`,
	Run: runRuntimes,
}

func init() {
	runtimesCmd.Flags().String("probe", "", "WebAssembly module to use as the well-known module")
	rootCmd.AddCommand(runtimesCmd)
}

func runRuntimes(cmd *cobra.Command, args []string) {
	if probe, _ := cmd.Flags().GetString("probe"); probe != "" {
		wasm, err := os.ReadFile(probe)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		launcher.Register(launcher.WellKnownModule, wasm)
	} else {
		registerWellKnown()
	}

	runtimes := launcher.FindRuntimes(cmd.Context())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runtimes); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var wellKnownOnce sync.Once

// registerWellKnown bakes this binary's own runtime into the well-known
// module: the embedded engine is the one runtime guaranteed installed, and
// its version comes from the build info of the binary itself.
func registerWellKnown() {
	wellKnownOnce.Do(func() {
		version := "unknown"
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, dep := range info.Deps {
				if dep.Path == "github.com/tetratelabs/wazero" {
					version = strings.TrimPrefix(dep.Version, "v")
				}
			}
		}
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		payload, _ := json.Marshal(map[string][]string{version: {exe}})

		m := wasmbin.New()
		m.Memory(1)
		m.Data(16, payload)
		m.Func("capsule_runtimes",
			wasmbin.FuncType{Results: []byte{wasmbin.I64}},
			wasmbin.PackConstBody(16, uint32(len(payload))))
		launcher.Register(launcher.WellKnownModule, m.Encode())
	})
}
