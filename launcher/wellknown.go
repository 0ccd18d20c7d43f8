package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WellKnownModule is the builtin module name consulted for runtime
// discovery.
const WellKnownModule = "capsule"

var (
	builtinsMu sync.Mutex
	builtins   = make(map[string][]byte)
)

// Register makes a builtin module available process-wide under name,
// following the database/sql driver convention: it is meant to be called
// from init, and registering the same name twice panics.
func Register(name string, wasm []byte) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	if _, dup := builtins[name]; dup {
		panic("launcher: Register called twice for module " + name)
	}
	if len(wasm) == 0 {
		panic("launcher: Register called with empty module " + name)
	}
	builtins[name] = wasm
}

func builtin(name string) ([]byte, bool) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	wasm, ok := builtins[name]
	return wasm, ok
}

// FindRuntimes asks the well-known capsule module for the installed
// runtimes and returns them keyed by version. The module is loaded on its
// own, independent of any archive. A deployment whose well-known module is
// missing or cannot enumerate runtimes is broken in a way no caller can
// recover from, so any failure here panics.
func FindRuntimes(ctx context.Context) map[string][]string {
	return findRuntimesIn(ctx, WellKnownModule)
}

func findRuntimesIn(ctx context.Context, name string) map[string][]string {
	wasm, ok := builtin(name)
	if !ok {
		panic(fmt.Sprintf("launcher: well-known module %q is not registered", name))
	}

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		panic(fmt.Sprintf("launcher: instantiate WASI for %q: %v", name, err))
	}
	mod, err := rt.Instantiate(ctx, wasm)
	if err != nil {
		panic(fmt.Sprintf("launcher: instantiate %q: %v", name, err))
	}

	fn := mod.ExportedFunction(fnRuntimes)
	if fn == nil || !sigMatches(fn, nil, oneI64) {
		panic(fmt.Sprintf("launcher: module %q has no %s export", name, fnRuntimes))
	}
	res, err := fn.Call(ctx)
	if err != nil {
		panic(fmt.Sprintf("launcher: %s in %q: %v", fnRuntimes, name, err))
	}
	out, err := readGuest(mod, res[0])
	if err != nil {
		panic(fmt.Sprintf("launcher: %s in %q: %v", fnRuntimes, name, err))
	}

	runtimes := make(map[string][]string)
	if len(out) > 0 {
		if err := json.Unmarshal(out, &runtimes); err != nil {
			panic(fmt.Sprintf("launcher: decode runtimes from %q: %v", name, err))
		}
	}
	return runtimes
}
