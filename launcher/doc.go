// Package launcher loads capsule archives and launches isolated instances
// of them.
//
// # Overview
//
// A capsule archive is a zip carrying a capsule.yaml manifest and the
// WebAssembly modules it ships. Open resolves the archive's entry point
// from the lineage its main module declares and builds an isolated loading
// context for it: a private wazero runtime with WASI and the capsule host
// module wired in. Launch then creates instances from that context behind
// a version-adaptive [Facade].
//
// # Basic Usage
//
//	l, err := launcher.Open(ctx, "app.capsule")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close(ctx)
//
//	l.SetProperty("app.env", "prod")
//	capsule, err := l.Launch(ctx, launcher.WithMode("server"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer capsule.Close(ctx)
//
//	version, _ := capsule.GetVersion(ctx)
//
// # Version Adaptation
//
// Capsule revisions differ in the exports they carry. The facade resolves
// each operation once at launch: the instance's own export when present,
// otherwise the legacy access path (the VERSION and PROPERTIES globals,
// the pair-form attribute exports). Operations with no surviving path fail
// with [ErrUnsupported]; configuration slots an instance does not export
// are skipped silently.
//
// # Delegation
//
//	wrapper, err := l.Launch(ctx, launcher.WithWrapped("inner.capsule"))
//
// hands a second archive to the new instance to launch on the caller's
// behalf. Instances without a delegate slot fail the launch with
// [ErrDelegationUnsupported].
package launcher
