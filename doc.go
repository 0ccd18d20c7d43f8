// Package capsule loads, inspects, and launches capsule archives: zip
// packages that ship WebAssembly modules behind a single declared entry
// point.
//
// # Overview
//
// Every archive is loaded in its own isolated context, so two capsules
// never share a runtime. Instances are driven through a version-adaptive
// facade that serves each operation from the instance's own exports when
// present and from legacy access paths otherwise.
//
// # Basic Usage
//
//	l, _ := launcher.Open(ctx, "app.capsule")
//	defer l.Close(ctx)
//
//	capsule, _ := l.Launch(ctx, launcher.WithMode("server"))
//	defer capsule.Close(ctx)
//
//	version, _ := capsule.GetVersion(ctx)
//	props, _ := capsule.GetProperties(ctx)
//
// # Packages
//
// See the [launcher], [archive], and [hostfn] packages for detailed API
// documentation, and cmd/capsule for the command line tool.
package capsule
