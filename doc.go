// Package playground renders Django templates through an embedded
// Python runtime, orchestrated from Go.
//
// # Overview
//
// A controller owns a background worker that loads CPython as a WASM
// module, configures Django inside it and serves template renders over
// a correlated message protocol. Initialization is heavyweight and
// happens once; renders, package installs and code execution are cheap
// correlated requests against the shared worker.
//
// # Basic Usage
//
//	pg := playground.New(playground.Config{
//	    Packages: []string{"django-bird"},
//	})
//	defer pg.Cleanup()
//
//	if err := pg.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	out, _ := pg.Render(ctx, "Hello {{ name }}!", map[string]any{"name": "World"})
//	fmt.Println(out) // Hello World!
//
// # Singleton Form
//
// Hosts that want a process-wide instance use the package-level
// functions, which manage a shared controller:
//
//	playground.Init(ctx, playground.Config{})
//	out, _ := playground.Render(ctx, tpl, data)
//	playground.Cleanup()
//
// # Declarative Documents
//
// The [autorender] package scans HTML for data-bird-* attributes and
// renders every declared template in one pass, installing the union of
// their declared packages first:
//
//	out, report := autorender.Process(ctx, doc, pg)
//
// See the [transport], [worker], [engine] and [pypi] packages for the
// layers underneath.
package playground
