package launcher_test

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/capsule/archive"
	"github.com/caffeineduck/capsule/launcher"
)

func writeGuest(t *testing.T, cfg launcher.GuestConfig) string {
	t.Helper()
	path, err := launcher.WriteGuestArchive(t.TempDir(), "test.capsule", cfg)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func openGuest(t *testing.T, cfg launcher.GuestConfig, opts ...launcher.Option) *launcher.Launcher {
	t.Helper()
	l, err := launcher.Open(context.Background(), writeGuest(t, cfg), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })
	return l
}

func mustLaunch(t *testing.T, l *launcher.Launcher, opts ...launcher.LaunchOption) *launcher.Facade {
	t.Helper()
	f, err := l.Launch(context.Background(), opts...)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { f.Close(context.Background()) })
	return f
}

// observe runs one of the guest's observer operations and decodes the JSON
// it echoes back.
func observe(t *testing.T, f *launcher.Facade, op string) map[string]string {
	t.Helper()
	out, err := f.Call(context.Background(), op, nil)
	if err != nil {
		t.Fatalf("call %s: %v", op, err)
	}
	props := make(map[string]string)
	if len(out) > 0 {
		if err := json.Unmarshal(out, &props); err != nil {
			t.Fatalf("decode %s payload %q: %v", op, out, err)
		}
	}
	return props
}

// ==== OPEN / VALIDATION ====

func TestOpenResolvesEntryPoint(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})

	entry := l.Entry()
	if entry.Name != "TestCapsule" {
		t.Errorf("entry name = %q, want TestCapsule", entry.Name)
	}
	if len(entry.Lineage) != 2 || entry.Lineage[1] != launcher.BaseTypeName {
		t.Errorf("lineage = %v, want [TestCapsule Capsule]", entry.Lineage)
	}
	if entry.Member != "main.wasm" {
		t.Errorf("member = %q, want main.wasm", entry.Member)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := launcher.Open(context.Background(), filepath.Join(t.TempDir(), "absent.capsule"))
	if !errors.Is(err, launcher.ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
}

func TestOpenNoManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.capsule")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("main.wasm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(launcher.BuildGuest(launcher.GuestConfig{})); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = launcher.Open(context.Background(), path)
	if !errors.Is(err, launcher.ErrInvalidCapsule) {
		t.Fatalf("err = %v, want ErrInvalidCapsule", err)
	}
	if !errors.Is(err, archive.ErrNoManifest) {
		t.Fatalf("err = %v, want ErrNoManifest in chain", err)
	}
}

func TestOpenNoMainModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nomain.capsule")
	manifest := archive.Manifest{Name: "nomain"}
	members := map[string][]byte{"lib.wasm": launcher.BuildGuest(launcher.GuestConfig{})}
	if err := archive.WriteFile(path, manifest, members); err != nil {
		t.Fatal(err)
	}

	_, err := launcher.Open(context.Background(), path)
	if !errors.Is(err, launcher.ErrInvalidCapsule) {
		t.Fatalf("err = %v, want ErrInvalidCapsule", err)
	}
}

func TestOpenMissingMainMember(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.capsule")
	manifest := archive.Manifest{Name: "gone", Main: "main.wasm"}
	members := map[string][]byte{"other.wasm": launcher.BuildGuest(launcher.GuestConfig{})}
	if err := archive.WriteFile(path, manifest, members); err != nil {
		t.Fatal(err)
	}

	_, err := launcher.Open(context.Background(), path)
	if !errors.Is(err, launcher.ErrInvalidCapsule) {
		t.Fatalf("err = %v, want ErrInvalidCapsule", err)
	}
}

func TestOpenBadWasm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.capsule")
	manifest := archive.Manifest{Name: "bad", Main: "main.wasm"}
	members := map[string][]byte{"main.wasm": []byte("not wasm at all")}
	if err := archive.WriteFile(path, manifest, members); err != nil {
		t.Fatal(err)
	}

	_, err := launcher.Open(context.Background(), path)
	if !errors.Is(err, launcher.ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
}

func TestOpenNoLineage(t *testing.T) {
	_, err := launcher.Open(context.Background(), writeGuest(t, launcher.GuestConfig{OmitLineage: true}))
	if !errors.Is(err, launcher.ErrInvalidCapsule) {
		t.Fatalf("err = %v, want ErrInvalidCapsule", err)
	}
}

func TestOpenLineageNotReachingBase(t *testing.T) {
	cfg := launcher.GuestConfig{Lineage: []string{"Orphan", "SomethingElse"}}
	_, err := launcher.Open(context.Background(), writeGuest(t, cfg))
	if !errors.Is(err, launcher.ErrInvalidCapsule) {
		t.Fatalf("err = %v, want ErrInvalidCapsule", err)
	}
	if !strings.Contains(err.Error(), "Orphan") {
		t.Errorf("err %q does not name the entry type", err)
	}
}

func TestOpenLineageDepthBound(t *testing.T) {
	deep := func(n int) []string {
		lineage := make([]string, n)
		for i := range lineage {
			lineage[i] = fmt.Sprintf("Layer%d", i)
		}
		return append(lineage, launcher.BaseTypeName)
	}

	// Base at index 63 is within the bound.
	l, err := launcher.Open(context.Background(), writeGuest(t, launcher.GuestConfig{Lineage: deep(63)}))
	if err != nil {
		t.Fatalf("depth 64: %v", err)
	}
	l.Close(context.Background())

	// Base at index 64 is past it.
	_, err = launcher.Open(context.Background(), writeGuest(t, launcher.GuestConfig{Lineage: deep(64)}))
	if !errors.Is(err, launcher.ErrInvalidCapsule) {
		t.Fatalf("depth 65: err = %v, want ErrInvalidCapsule", err)
	}
}

func TestOpenEntryNamedAfterBase(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{Lineage: []string{launcher.BaseTypeName}})
	if l.Entry().Name != launcher.BaseTypeName {
		t.Errorf("entry name = %q, want %q", l.Entry().Name, launcher.BaseTypeName)
	}
}

func TestOpenWithCompilationCache(t *testing.T) {
	cacheDir := t.TempDir()
	guest := writeGuest(t, launcher.GuestConfig{Version: "1.0.0"})

	for i := 0; i < 2; i++ {
		l, err := launcher.Open(context.Background(), guest, launcher.WithCompilationCache(cacheDir))
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		f, err := l.Launch(context.Background())
		if err != nil {
			t.Fatalf("launch %d: %v", i, err)
		}
		v, err := f.GetVersion(context.Background())
		if err != nil || v != "1.0.0" {
			t.Fatalf("version %d = %q, %v", i, v, err)
		}
		f.Close(context.Background())
		l.Close(context.Background())
	}
}

// ==== CONSTRUCTION ====

func TestLaunchConstructorReceivesArchivePath(t *testing.T) {
	path := writeGuest(t, launcher.GuestConfig{})
	l, err := launcher.Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close(context.Background())

	f := mustLaunch(t, l)
	got, err := f.Call(context.Background(), "init_path", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != path {
		t.Errorf("constructor path = %q, want %q", got, path)
	}
}

func TestLaunchNoConstructor(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{OmitInit: true})
	_, err := l.Launch(context.Background())
	if !errors.Is(err, launcher.ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
	if !strings.Contains(err.Error(), "could not create capsule instance") {
		t.Errorf("err %q does not describe the construction failure", err)
	}
}

func TestLaunchConstructorTrap(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{TrapInit: true})
	_, err := l.Launch(context.Background())
	if !errors.Is(err, launcher.ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
}

func TestLaunchNoAllocator(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{OmitAlloc: true})
	_, err := l.Launch(context.Background())
	if !errors.Is(err, launcher.ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
}

// ==== MODE WINDOW ====

func TestLaunchModeVisibleDuringConstruction(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{ConfigSlots: true})
	l.SetProperty("color", "blue")

	f := mustLaunch(t, l, launcher.WithMode("test"))

	first := observe(t, f, "first_properties")
	if first[launcher.PropMode] != "test" {
		t.Errorf("construction view mode = %q, want test", first[launcher.PropMode])
	}
	if first["color"] != "blue" {
		t.Errorf("construction view color = %q, want blue", first["color"])
	}

	// The window closed: the launcher's own set has no mode again, and the
	// facade serves the restored view.
	if _, ok := l.Properties().Lookup(launcher.PropMode); ok {
		t.Error("mode still set on launcher after launch")
	}
	latest, err := f.GetProperties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := latest[launcher.PropMode]; ok {
		t.Errorf("restored view still has mode: %v", latest)
	}
	if latest["color"] != "blue" {
		t.Errorf("restored view color = %q, want blue", latest["color"])
	}
}

func TestLaunchNoModeClearsDuringConstruction(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{ConfigSlots: true})
	l.SetProperty(launcher.PropMode, "preset")

	f := mustLaunch(t, l)

	first := observe(t, f, "first_properties")
	if mode, ok := first[launcher.PropMode]; ok {
		t.Errorf("construction view has mode %q, want none", mode)
	}

	// The caller's own setting survives the window and is what the facade
	// reports afterwards.
	if got := l.Properties().Get(launcher.PropMode); got != "preset" {
		t.Errorf("launcher mode after launch = %q, want preset", got)
	}
	latest, err := f.GetProperties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if latest[launcher.PropMode] != "preset" {
		t.Errorf("restored view mode = %q, want preset", latest[launcher.PropMode])
	}
}

func TestLaunchModeRestoredOnFailure(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{TrapInit: true})
	l.SetProperty(launcher.PropMode, "orig")

	if _, err := l.Launch(context.Background(), launcher.WithMode("doomed")); err == nil {
		t.Fatal("launch succeeded, want failure")
	}
	if got := l.Properties().Get(launcher.PropMode); got != "orig" {
		t.Errorf("mode after failed launch = %q, want orig", got)
	}
	if l.Active() != nil {
		t.Error("loading context still ambient after failed launch")
	}
}

func TestSequentialLaunchesSeeOwnModes(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{ConfigSlots: true})

	fa := mustLaunch(t, l, launcher.WithMode("alpha"))
	fb := mustLaunch(t, l, launcher.WithMode("beta"))

	if got := observe(t, fa, "first_properties")[launcher.PropMode]; got != "alpha" {
		t.Errorf("first launch saw mode %q, want alpha", got)
	}
	if got := observe(t, fb, "first_properties")[launcher.PropMode]; got != "beta" {
		t.Errorf("second launch saw mode %q, want beta", got)
	}
	if l.Active() != nil {
		t.Error("loading context still ambient between launches")
	}
}

// ==== CONFIG INJECTION ====

func TestLaunchInjectsConfiguration(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{ConfigSlots: true},
		launcher.WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
		launcher.WithMemoryLimit(16))
	l.SetProperty("app.name", "demo").
		SetCacheDir("/var/cache/capsule").
		SetRuntimes(map[string][]string{"1.2.0": {"/opt/wazero"}})

	f := mustLaunch(t, l)

	props, err := f.GetProperties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if props["app.name"] != "demo" {
		t.Errorf("props = %v, want app.name=demo", props)
	}

	cache, err := f.Call(context.Background(), "cache_dir", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(cache) != "/var/cache/capsule" {
		t.Errorf("cache dir = %q", cache)
	}

	raw, err := f.Call(context.Background(), "injected_runtimes", nil)
	if err != nil {
		t.Fatal(err)
	}
	runtimes := make(map[string][]string)
	if err := json.Unmarshal(raw, &runtimes); err != nil {
		t.Fatalf("decode runtimes %q: %v", raw, err)
	}
	if len(runtimes["1.2.0"]) != 1 || runtimes["1.2.0"][0] != "/opt/wazero" {
		t.Errorf("runtimes = %v", runtimes)
	}
}

func TestLaunchSkipsAbsentSlots(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{Version: "2.0.0"})
	l.SetProperty("ignored", "yes").
		SetCacheDir("/nowhere").
		SetRuntimes(map[string][]string{"x": {"/x"}})

	f := mustLaunch(t, l)
	v, err := f.GetVersion(context.Background())
	if err != nil || v != "2.0.0" {
		t.Fatalf("version = %q, %v", v, err)
	}
}

func TestRemovePropertyRestoresEnvironmentView(t *testing.T) {
	t.Setenv("CAPSULE_TEST_REGION", "eu-west-1")

	l := openGuest(t, launcher.GuestConfig{ConfigSlots: true})
	l.SetProperty("CAPSULE_TEST_REGION", "override")
	if got := l.Properties().Get("CAPSULE_TEST_REGION"); got != "override" {
		t.Fatalf("explicit value = %q", got)
	}

	l.RemoveProperty("CAPSULE_TEST_REGION")
	if got := l.Properties().Get("CAPSULE_TEST_REGION"); got != "eu-west-1" {
		t.Errorf("after remove = %q, want environment value", got)
	}

	// Only explicit entries travel to the instance.
	f := mustLaunch(t, l)
	props, err := f.GetProperties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := props["CAPSULE_TEST_REGION"]; ok {
		t.Errorf("environment entry leaked into instance: %v", props)
	}
}

// ==== DELEGATION ====

func TestLaunchWrapped(t *testing.T) {
	dir := t.TempDir()
	inner, err := launcher.WriteGuestArchive(dir, "inner.capsule", launcher.GuestConfig{})
	if err != nil {
		t.Fatal(err)
	}

	l := openGuest(t, launcher.GuestConfig{SetTarget: true})
	f := mustLaunch(t, l, launcher.WithWrapped(inner))

	got, err := f.Call(context.Background(), "target", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != inner {
		t.Errorf("delegate target = %q, want %q", got, inner)
	}
}

func TestLaunchWrappedUnsupported(t *testing.T) {
	dir := t.TempDir()
	inner, err := launcher.WriteGuestArchive(dir, "inner.capsule", launcher.GuestConfig{})
	if err != nil {
		t.Fatal(err)
	}

	l := openGuest(t, launcher.GuestConfig{})
	l.SetProperty(launcher.PropMode, "kept")

	_, err = l.Launch(context.Background(), launcher.WithWrapped(inner), launcher.WithMode("w"))
	if !errors.Is(err, launcher.ErrDelegationUnsupported) {
		t.Fatalf("err = %v, want ErrDelegationUnsupported", err)
	}
	if got := l.Properties().Get(launcher.PropMode); got != "kept" {
		t.Errorf("mode after rejected delegation = %q, want kept", got)
	}
}
