package launcher

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/capsule/archive"
	"github.com/caffeineduck/capsule/internal/wasmbin"
)

// GuestConfig selects which parts of the guest ABI a built test capsule
// implements. The zero value builds a minimal conforming capsule: the
// allocator, the constructor, a lineage reaching the base type, and an
// echo operation. Everything else is opt-in so tests can model old and new
// capsule revisions precisely.
type GuestConfig struct {
	// Lineage overrides the declared ancestry. Nil means a two-entry
	// lineage ending at the base type.
	Lineage []string

	// OmitLineage drops the lineage section entirely.
	OmitLineage bool

	// OmitAlloc drops the allocator export.
	OmitAlloc bool

	// OmitInit drops the constructor export.
	OmitInit bool

	// TrapInit makes the constructor trap.
	TrapInit bool

	// Version serves the given string through the direct version export.
	Version string

	// VersionGlobal serves the given string through the VERSION global.
	VersionGlobal string

	// PropertiesGlobal serves the given JSON object through the
	// PROPERTIES global.
	PropertiesGlobal string

	// ConfigSlots implements the three configuration slots, the direct
	// properties export, and observer operations reporting what was
	// injected: first_properties, cache_dir, injected_runtimes.
	ConfigSlots bool

	// RichAttrs implements the rich attribute exports. Lookups echo the
	// payload back, so a test can see which form reached the guest.
	RichAttrs bool

	// PairAttrs implements the legacy pair-form attribute exports, also
	// echoing.
	PairAttrs bool

	// Equals selects the capsule_equals verdict: 0 leaves the export out,
	// 1 always matches, -1 never matches.
	Equals int

	// SetTarget implements the delegate target slot and a target observer
	// operation.
	SetTarget bool

	// HostCall implements capsule_host_echo, forwarding its payload to
	// the host call import.
	HostCall bool

	// FailOp implements capsule_fail, which traps.
	FailOp bool
}

// Built guests keep their data segments below heapBase; the bump allocator
// serves everything above it.
const (
	versionOffset       = 16
	versionGlobalOffset = 256
	propsGlobalOffset   = 512
	heapBase            = 4096
)

// BuildGuest assembles the entry module for cfg.
func BuildGuest(cfg GuestConfig) []byte {
	m := wasmbin.New()

	sigAlloc := wasmbin.FuncType{Params: []byte{wasmbin.I32}, Results: []byte{wasmbin.I32}}
	sigSlot := wasmbin.FuncType{Params: []byte{wasmbin.I32, wasmbin.I32}}
	sigOp := wasmbin.FuncType{Params: []byte{wasmbin.I32, wasmbin.I32}, Results: []byte{wasmbin.I64}}
	sigPred := wasmbin.FuncType{Params: []byte{wasmbin.I32, wasmbin.I32}, Results: []byte{wasmbin.I32}}
	sigGet := wasmbin.FuncType{Results: []byte{wasmbin.I64}}

	var hostCall uint32
	if cfg.HostCall {
		hostCall = m.ImportFunc(HostModule, "call", sigOp)
	}

	m.Memory(2)
	heap := m.Global("", wasmbin.I32, true, heapBase)

	if !cfg.OmitAlloc {
		m.Func(fnAlloc, sigAlloc, wasmbin.BumpAllocBody(heap))
	}

	initPtr := m.Global("", wasmbin.I32, true, 0)
	initLen := m.Global("", wasmbin.I32, true, 0)
	switch {
	case cfg.OmitInit:
	case cfg.TrapInit:
		m.Func(fnInit, sigSlot, wasmbin.UnreachableBody())
	default:
		m.Func(fnInit, sigSlot, wasmbin.StorePairBody(initPtr, initLen))
		m.Func(fnPrefix+"init_path", sigOp, wasmbin.PackGlobalsBody(initPtr, initLen))
	}

	if cfg.Version != "" {
		m.Data(versionOffset, []byte(cfg.Version))
		m.Func(fnGetVersion, sigGet, wasmbin.PackConstBody(versionOffset, uint32(len(cfg.Version))))
	}
	if cfg.VersionGlobal != "" {
		m.Data(versionGlobalOffset, []byte(cfg.VersionGlobal))
		m.Global(globalVersion, wasmbin.I64, false,
			int64(uint64(versionGlobalOffset)<<32|uint64(len(cfg.VersionGlobal))))
	}
	if cfg.PropertiesGlobal != "" {
		m.Data(propsGlobalOffset, []byte(cfg.PropertiesGlobal))
		m.Global(globalProperties, wasmbin.I64, false,
			int64(uint64(propsGlobalOffset)<<32|uint64(len(cfg.PropertiesGlobal))))
	}

	if cfg.ConfigSlots {
		propsPtr := m.Global("", wasmbin.I32, true, 0)
		propsLen := m.Global("", wasmbin.I32, true, 0)
		firstPtr := m.Global("", wasmbin.I32, true, 0)
		firstLen := m.Global("", wasmbin.I32, true, 0)
		m.Func(fnSetProperties, sigSlot, wasmbin.StorePairTrackFirstBody(propsPtr, propsLen, firstPtr, firstLen))
		m.Func(fnGetProperties, sigGet, wasmbin.PackGlobalsBody(propsPtr, propsLen))
		m.Func(fnPrefix+"first_properties", sigOp, wasmbin.PackGlobalsBody(firstPtr, firstLen))

		cachePtr := m.Global("", wasmbin.I32, true, 0)
		cacheLen := m.Global("", wasmbin.I32, true, 0)
		m.Func(fnSetCacheDir, sigSlot, wasmbin.StorePairBody(cachePtr, cacheLen))
		m.Func(fnPrefix+"cache_dir", sigOp, wasmbin.PackGlobalsBody(cachePtr, cacheLen))

		rtPtr := m.Global("", wasmbin.I32, true, 0)
		rtLen := m.Global("", wasmbin.I32, true, 0)
		m.Func(fnSetRuntimes, sigSlot, wasmbin.StorePairBody(rtPtr, rtLen))
		m.Func(fnPrefix+"injected_runtimes", sigOp, wasmbin.PackGlobalsBody(rtPtr, rtLen))
	}

	if cfg.RichAttrs {
		m.Func(fnGetAttribute, sigOp, wasmbin.EchoPairBody())
		m.Func(fnHasAttribute, sigPred, wasmbin.I32ConstBody(1))
	}
	if cfg.PairAttrs {
		m.Func(fnGetAttributeEntry, sigOp, wasmbin.EchoPairBody())
		m.Func(fnHasAttributeEntry, sigPred, wasmbin.I32ConstBody(1))
	}

	switch cfg.Equals {
	case 1:
		m.Func(fnEquals, sigPred, wasmbin.I32ConstBody(1))
	case -1:
		m.Func(fnEquals, sigPred, wasmbin.I32ConstBody(0))
	}

	if cfg.SetTarget {
		targetPtr := m.Global("", wasmbin.I32, true, 0)
		targetLen := m.Global("", wasmbin.I32, true, 0)
		m.Func(fnSetTarget, sigSlot, wasmbin.StorePairBody(targetPtr, targetLen))
		m.Func(fnPrefix+"target", sigOp, wasmbin.PackGlobalsBody(targetPtr, targetLen))
	}

	if cfg.HostCall {
		m.Func(fnPrefix+"host_echo", sigOp, wasmbin.PassthroughBody(hostCall))
	}
	if cfg.FailOp {
		m.Func(fnPrefix+"fail", sigOp, wasmbin.UnreachableBody())
	}

	m.Func(fnPrefix+"echo", sigOp, wasmbin.EchoPairBody())

	if !cfg.OmitLineage {
		lineage := cfg.Lineage
		if lineage == nil {
			lineage = []string{"TestCapsule", BaseTypeName}
		}
		m.Custom(LineageSection, []byte(strings.Join(lineage, "\n")))
	}

	return m.Encode()
}

// WriteGuestArchive writes a one-member capsule archive for cfg as
// dir/name and returns its path.
func WriteGuestArchive(dir, name string, cfg GuestConfig) (string, error) {
	path := filepath.Join(dir, name)
	manifest := archive.Manifest{Name: strings.TrimSuffix(name, filepath.Ext(name)), Version: "0.0.1", Main: "main.wasm"}
	members := map[string][]byte{"main.wasm": BuildGuest(cfg)}
	if err := archive.WriteFile(path, manifest, members); err != nil {
		return "", fmt.Errorf("write guest archive: %w", err)
	}
	return path, nil
}
