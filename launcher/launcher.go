package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/caffeineduck/capsule/archive"
	"github.com/caffeineduck/capsule/hostfn"
)

// PropMode is the property capsules consult to select their mode for one
// launch. It is set for the duration of construction and restored after.
const PropMode = "capsule.mode"

// Launcher loads one capsule archive and creates instances from it. The
// zero value is not usable; call Open.
//
// A Launcher is not safe for concurrent launches: the mode window and the
// ambient context swap assume one launch at a time.
type Launcher struct {
	lc       *LoadedContext
	props    *Properties
	cacheDir string
	runtimes map[string][]string
	active   *LoadedContext

	log    zerolog.Logger
	stdout io.Writer
	stderr io.Writer
}

// Option configures a Launcher at Open time.
type Option func(*openConfig)

type openConfig struct {
	log         zerolog.Logger
	fns         *hostfn.Registry
	cacheDir    string
	memoryPages uint32
	stdout      io.Writer
	stderr      io.Writer
}

func defaultOpenConfig() openConfig {
	return openConfig{
		log:    zerolog.Nop(),
		stdout: io.Discard,
		stderr: io.Discard,
	}
}

// WithLogger routes loader and guest diagnostics to l.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *openConfig) {
		cfg.log = l
	}
}

// WithFunctions exposes the registry's functions to guests through the
// capsule.call import. Without it, launched capsules see only the builtin
// functions.
func WithFunctions(r *hostfn.Registry) Option {
	return func(cfg *openConfig) {
		cfg.fns = r
	}
}

// WithCompilationCache persists compiled modules under dir, so reopening
// the same archive skips recompilation.
func WithCompilationCache(dir string) Option {
	return func(cfg *openConfig) {
		cfg.cacheDir = dir
	}
}

// WithMemoryLimit caps guest memory growth at the given number of 64KiB
// pages.
func WithMemoryLimit(pages uint32) Option {
	return func(cfg *openConfig) {
		cfg.memoryPages = pages
	}
}

// WithStdout routes guest standard output to w.
func WithStdout(w io.Writer) Option {
	return func(cfg *openConfig) {
		cfg.stdout = w
	}
}

// WithStderr routes guest standard error to w.
func WithStderr(w io.Writer) Option {
	return func(cfg *openConfig) {
		cfg.stderr = w
	}
}

// Open reads the archive at path, resolves its entry point, and builds the
// isolated loading context future launches run in. Archives without a
// manifest, without a main module, or whose entry type does not descend
// from the capsule base type fail with ErrInvalidCapsule.
func Open(ctx context.Context, path string, opts ...Option) (*Launcher, error) {
	cfg := defaultOpenConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.fns == nil {
		cfg.fns = defaultFunctions(cfg.log)
	}

	arch, err := archive.Open(path)
	if err != nil {
		if errors.Is(err, archive.ErrNoManifest) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCapsule, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	lc, err := newLoadedContext(ctx, arch, cfg)
	if err != nil {
		return nil, err
	}

	cfg.log.Info().
		Str("archive", path).
		Str("entry", lc.entry.Name).
		Msg("capsule loaded")

	return &Launcher{
		lc:     lc,
		props:  NewProperties(),
		log:    cfg.log,
		stdout: cfg.stdout,
		stderr: cfg.stderr,
	}, nil
}

// defaultFunctions is the registry guests get when the caller supplies
// none.
func defaultFunctions(log zerolog.Logger) *hostfn.Registry {
	r := hostfn.NewRegistry()
	r.Register("time_now", hostfn.Clock())
	r.Register("log", hostfn.Logf(log))
	return r
}

// SetRuntimes sets the runtime registry injected into launched instances,
// keyed by version.
func (l *Launcher) SetRuntimes(runtimes map[string][]string) *Launcher {
	l.runtimes = runtimes
	return l
}

// SetProperties replaces the whole property set. Passing nil resets to a
// fresh environment-backed set.
func (l *Launcher) SetProperties(props *Properties) *Launcher {
	if props == nil {
		props = NewProperties()
	}
	l.props = props
	return l
}

// SetProperty sets one property visible to launched instances.
func (l *Launcher) SetProperty(name, value string) *Launcher {
	l.props.Set(name, value)
	return l
}

// RemoveProperty deletes one property.
func (l *Launcher) RemoveProperty(name string) *Launcher {
	l.props.Remove(name)
	return l
}

// SetCacheDir tells launched instances where to keep their application
// cache.
func (l *Launcher) SetCacheDir(dir string) *Launcher {
	l.cacheDir = dir
	return l
}

// Properties returns the live property set future launches snapshot from.
func (l *Launcher) Properties() *Properties { return l.props }

// Entry returns the entry point resolved at Open time.
func (l *Launcher) Entry() EntryPoint { return l.lc.entry }

// Archive returns the opened archive.
func (l *Launcher) Archive() *archive.Archive { return l.lc.archive }

// Active returns the loading context made ambient by a launch in progress,
// or nil between launches.
func (l *Launcher) Active() *LoadedContext { return l.active }

// Close tears down the loading context and every instance launched from
// it.
func (l *Launcher) Close(ctx context.Context) error {
	return l.lc.Close(ctx)
}

// LaunchOption configures one Launch call.
type LaunchOption func(*launchConfig)

type launchConfig struct {
	mode    string
	wrapped string
	args    []string
}

// WithMode selects the capsule mode for this launch. The mode property is
// set before construction and restored after; an empty mode clears it for
// the construction window instead.
func WithMode(mode string) LaunchOption {
	return func(cfg *launchConfig) {
		cfg.mode = mode
	}
}

// WithWrapped hands the new instance a second archive it must launch on
// the caller's behalf. Instances without a delegate target slot fail the
// launch with ErrDelegationUnsupported.
func WithWrapped(path string) LaunchOption {
	return func(cfg *launchConfig) {
		cfg.wrapped = path
	}
}

// WithArgs appends argv entries visible to the instance after the entry
// name and archive path.
func WithArgs(args ...string) LaunchOption {
	return func(cfg *launchConfig) {
		cfg.args = append(cfg.args, args...)
	}
}

// Launch creates one capsule instance and returns its facade. For the
// duration of construction the mode property holds the requested mode and
// the launcher's loading context is ambient; both are restored on every
// exit path, success or failure. After a successful construction the
// instance's property slot is written once more with the restored set, so
// callers observe their own configuration through the facade rather than
// the construction-time window.
func (l *Launcher) Launch(ctx context.Context, opts ...LaunchOption) (*Facade, error) {
	var cfg launchConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := l.launch(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := l.injectProperties(ctx, f.mod); err != nil {
		f.Close(ctx)
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return f, nil
}

// launch runs the construction window: mode set, context swapped in,
// instance built and configured, then both restored by the deferred block
// no matter how we leave.
func (l *Launcher) launch(ctx context.Context, cfg launchConfig) (*Facade, error) {
	oldMode, hadMode := l.props.Lookup(PropMode)
	if cfg.mode != "" {
		l.props.Set(PropMode, cfg.mode)
	} else {
		l.props.Remove(PropMode)
	}
	prevActive := l.active
	l.active = l.lc
	defer func() {
		if hadMode {
			l.props.Set(PropMode, oldMode)
		} else {
			l.props.Remove(PropMode)
		}
		l.active = prevActive
	}()

	mod, err := l.instantiate(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := l.injectSlots(ctx, mod); err != nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	if cfg.wrapped != "" {
		if err := l.setTarget(ctx, mod, cfg.wrapped); err != nil {
			mod.Close(ctx)
			return nil, err
		}
	}

	l.log.Debug().Str("entry", l.lc.entry.Name).Str("mode", cfg.mode).Msg("capsule instance created")
	return newFacade(mod, l.lc.entry, l.log), nil
}

// instantiate builds a fresh anonymous instance of the compiled entry
// module and runs its constructor.
func (l *Launcher) instantiate(ctx context.Context, cfg launchConfig) (api.Module, error) {
	args := append([]string{l.lc.entry.Name, l.lc.archive.Path()}, cfg.args...)
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(args...).
		WithStdout(l.stdout).
		WithStderr(l.stderr).
		WithStartFunctions("_initialize")

	mod, err := l.lc.runtime.InstantiateModule(ctx, l.lc.compiled, modConfig)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: instance exited with code %d", ErrLoad, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%w: instantiate %s: %w", ErrLoad, l.lc.entry.Member, err)
	}

	if err := l.construct(ctx, mod); err != nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("%w: could not create capsule instance: %w", ErrLoad, err)
	}
	return mod, nil
}

// construct calls the instance constructor with the archive path.
func (l *Launcher) construct(ctx context.Context, mod api.Module) error {
	init := mod.ExportedFunction(fnInit)
	if init == nil || !sigMatches(init, paramsPayload, nil) {
		return fmt.Errorf("no %s export", fnInit)
	}
	ptr, size, err := writeGuest(ctx, mod, []byte(l.lc.archive.Path()))
	if err != nil {
		return err
	}
	if _, err := init.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		return err
	}
	return nil
}

// injectSlots writes the launcher configuration through the optional slots
// the instance exports. Absent slots are skipped: capsule revisions differ
// in which slots they carry, and that is not an error.
func (l *Launcher) injectSlots(ctx context.Context, mod api.Module) error {
	if l.runtimes != nil {
		payload, err := json.Marshal(l.runtimes)
		if err != nil {
			return fmt.Errorf("encode runtimes: %w", err)
		}
		if err := l.writeSlot(ctx, mod, fnSetRuntimes, payload); err != nil {
			return err
		}
	}
	if err := l.injectProperties(ctx, mod); err != nil {
		return err
	}
	if l.cacheDir != "" {
		if err := l.writeSlot(ctx, mod, fnSetCacheDir, []byte(l.cacheDir)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Launcher) injectProperties(ctx context.Context, mod api.Module) error {
	payload, err := json.Marshal(l.props)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	return l.writeSlot(ctx, mod, fnSetProperties, payload)
}

// writeSlot writes payload through the named slot. A missing slot is a
// silent no-op; a present slot that fails the write fails the launch.
func (l *Launcher) writeSlot(ctx context.Context, mod api.Module, name string, payload []byte) error {
	fn := mod.ExportedFunction(name)
	if fn == nil || !sigMatches(fn, paramsPayload, nil) {
		l.log.Debug().Str("slot", name).Msg("slot absent, skipped")
		return nil
	}
	ptr, size, err := writeGuest(ctx, mod, payload)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := fn.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// setTarget hands the wrapped archive path to the instance's delegate
// slot.
func (l *Launcher) setTarget(ctx context.Context, mod api.Module, wrapped string) error {
	fn := mod.ExportedFunction(fnSetTarget)
	if fn == nil || !sigMatches(fn, paramsPayload, nil) {
		return fmt.Errorf("%w: %s has no %s export", ErrDelegationUnsupported, l.lc.entry.Name, fnSetTarget)
	}
	ptr, size, err := writeGuest(ctx, mod, []byte(wrapped))
	if err != nil {
		return fmt.Errorf("%w: set delegate target: %w", ErrLoad, err)
	}
	if _, err := fn.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		return fmt.Errorf("%w: set delegate target: %w", ErrLoad, err)
	}
	return nil
}
