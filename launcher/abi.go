package launcher

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero/api"
)

// Guest ABI. Payloads cross the boundary as (ptr, len) pairs in guest
// memory, allocated through the guest's own capsule_alloc. Results come
// back as a single u64 packing ptr<<32|len; a packed zero means no value.
const (
	fnAlloc = "capsule_alloc"
	fnInit  = "capsule_init"

	fnSetProperties = "capsule_set_properties"
	fnSetCacheDir   = "capsule_set_cache_dir"
	fnSetRuntimes   = "capsule_set_runtimes"
	fnSetTarget     = "capsule_set_target"

	fnGetVersion        = "capsule_get_version"
	fnGetProperties     = "capsule_get_properties"
	fnGetAttribute      = "capsule_get_attribute"
	fnHasAttribute      = "capsule_has_attribute"
	fnGetAttributeEntry = "capsule_get_attribute_entry"
	fnHasAttributeEntry = "capsule_has_attribute_entry"
	fnEquals            = "capsule_equals"
	fnRuntimes          = "capsule_runtimes"

	fnPrefix = "capsule_"

	globalVersion    = "VERSION"
	globalProperties = "PROPERTIES"
)

// HostModule is the import namespace every loading context provides to its
// guests.
const HostModule = "capsule"

var (
	paramsPayload = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	oneI32        = []api.ValueType{api.ValueTypeI32}
	oneI64        = []api.ValueType{api.ValueTypeI64}
)

func pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

func unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}

// sigMatches reports whether fn has exactly the given signature. Exports
// with the right name but the wrong shape are treated as absent.
func sigMatches(fn api.Function, params, results []api.ValueType) bool {
	def := fn.Definition()
	return slices.Equal(def.ParamTypes(), params) && slices.Equal(def.ResultTypes(), results)
}

// writeGuest copies data into guest memory through the guest's allocator
// and returns the (ptr, len) pair describing it.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, uint32, error) {
	alloc := mod.ExportedFunction(fnAlloc)
	if alloc == nil || !sigMatches(alloc, oneI32, oneI32) {
		return 0, 0, fmt.Errorf("guest does not export %s", fnAlloc)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", fnAlloc, err)
	}
	ptr := uint32(res[0])
	if len(data) > 0 && !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("write %d bytes at %d: out of range", len(data), ptr)
	}
	return ptr, uint32(len(data)), nil
}

// readGuest copies the bytes a packed result points at out of guest
// memory. A packed zero yields nil.
func readGuest(mod api.Module, packed uint64) ([]byte, error) {
	if packed == 0 {
		return nil, nil
	}
	ptr, size := unpack(packed)
	view, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("read %d bytes at %d: out of range", size, ptr)
	}
	return bytes.Clone(view), nil
}
