package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/capsule/archive"
	"github.com/caffeineduck/capsule/hostfn"
)

// LoadedContext is an isolated loading context scoped to one archive. Every
// context owns a private wazero runtime, so identically named modules from
// different archives never collide and tearing one context down cannot
// disturb another.
type LoadedContext struct {
	archive  *archive.Archive
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	entry    EntryPoint
	log      zerolog.Logger
	fns      *hostfn.Registry
}

// newLoadedContext builds the runtime for arch, wires WASI and the capsule
// host module, and compiles and validates the entry module.
func newLoadedContext(ctx context.Context, arch *archive.Archive, cfg openConfig) (*LoadedContext, error) {
	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCustomSections(true)

	var cache wazero.CompilationCache
	if cfg.cacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("%w: create compilation cache: %w", ErrLoad, err)
		}
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryPages)
	}

	c := &LoadedContext{
		archive: arch,
		runtime: wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:   cache,
		log:     cfg.log,
		fns:     cfg.fns,
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, c.runtime); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate WASI: %w", ErrLoad, err)
	}
	if err := c.instantiateHostModule(ctx); err != nil {
		c.Close(ctx)
		return nil, err
	}
	if err := c.compileEntry(ctx); err != nil {
		c.Close(ctx)
		return nil, err
	}
	return c, nil
}

// compileEntry compiles the main archive member and resolves the entry
// point from its lineage section.
func (c *LoadedContext) compileEntry(ctx context.Context) error {
	m := c.archive.Manifest()
	if m.Main == "" {
		return fmt.Errorf("%w: %s declares no main module", ErrInvalidCapsule, c.archive.Path())
	}
	wasm, err := c.archive.Main()
	if err != nil {
		if errors.Is(err, archive.ErrNoMember) {
			return fmt.Errorf("%w: entry module %s not in archive", ErrInvalidCapsule, m.Main)
		}
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}

	compiled, err := c.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("%w: compile %s: %w", ErrLoad, m.Main, err)
	}
	c.compiled = compiled

	lineage := lineageOf(compiled)
	if len(lineage) == 0 {
		return fmt.Errorf("%w: %s declares no lineage", ErrInvalidCapsule, m.Main)
	}
	if !descendsFromBase(lineage) {
		return fmt.Errorf("%w: %s does not descend from %s", ErrInvalidCapsule, lineage[0], BaseTypeName)
	}
	c.entry = EntryPoint{Name: lineage[0], Lineage: lineage, Member: m.Main}
	return nil
}

func (c *LoadedContext) instantiateHostModule(ctx context.Context) error {
	_, err := c.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(c.hostCall).Export("call").
		NewFunctionBuilder().WithFunc(c.hostLog).Export("log").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("%w: instantiate host module: %w", ErrLoad, err)
	}
	return nil
}

// hostCall serves capsule.call. The request is one JSON object naming a
// registered function; the response is written back into guest memory via
// the guest's allocator. A packed zero tells the guest the call could not
// even be answered.
func (c *LoadedContext) hostCall(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	view, ok := mod.Memory().Read(ptr, size)
	if !ok {
		c.log.Error().Uint32("ptr", ptr).Uint32("len", size).Msg("host call request out of range")
		return 0
	}
	resp := hostfn.Dispatch(ctx, c.fns, view)

	out, err := json.Marshal(resp)
	if err != nil {
		c.log.Error().Err(err).Msg("encode host call response")
		return 0
	}
	rp, rl, err := writeGuest(ctx, mod, out)
	if err != nil {
		c.log.Error().Err(err).Msg("write host call response")
		return 0
	}
	return pack(rp, rl)
}

// hostLog serves capsule.log: levels 0, 2, and 3 map to debug, warn, and
// error, anything else to info.
func (c *LoadedContext) hostLog(_ context.Context, mod api.Module, level, ptr, size uint32) {
	view, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return
	}
	ev := c.log.Info()
	switch level {
	case 0:
		ev = c.log.Debug()
	case 2:
		ev = c.log.Warn()
	case 3:
		ev = c.log.Error()
	}
	ev.Str("capsule", c.entry.Name).Msg(string(view))
}

// Archive returns the archive this context was loaded from.
func (c *LoadedContext) Archive() *archive.Archive { return c.archive }

// Entry returns the entry point resolved at load time.
func (c *LoadedContext) Entry() EntryPoint { return c.entry }

// Close tears down the runtime and every instance created in it.
func (c *LoadedContext) Close(ctx context.Context) error {
	err := c.runtime.Close(ctx)
	if c.cache != nil {
		if cerr := c.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}
