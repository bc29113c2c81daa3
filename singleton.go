package playground

import (
	"context"
	"sync"

	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/events"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
)

// The package-level functions drive one process-wide controller,
// created lazily on first use. Programs that need several independent
// runtimes use New directly.

var (
	defaultMu sync.Mutex
	defaultPG *Playground
)

func getDefault() *Playground {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPG == nil {
		defaultPG = New(Config{})
	}
	return defaultPG
}

// Default returns the process-wide controller.
func Default() *Playground {
	return getDefault()
}

// Init configures and initializes the process-wide controller. The
// configuration applies only when initialization has not already
// begun; later calls join or reuse the earlier attempt.
func Init(ctx context.Context, cfg Config) error {
	pg := getDefault()
	pg.configure(cfg)
	return pg.Init(ctx)
}

// Render renders through the process-wide controller.
func Render(ctx context.Context, template string, tctx map[string]any, opts ...RenderOption) (string, error) {
	return getDefault().Render(ctx, template, tctx, opts...)
}

// RenderBatch renders several templates through the process-wide
// controller.
func RenderBatch(ctx context.Context, items []transport.RenderPayload) ([]BatchResult, error) {
	return getDefault().RenderBatch(ctx, items)
}

// InstallPackages installs packages through the process-wide
// controller.
func InstallPackages(ctx context.Context, names []string) (*transport.InstallReport, error) {
	return getDefault().InstallPackages(ctx, names)
}

// RunCode executes Python source through the process-wide controller.
func RunCode(ctx context.Context, code string) (string, error) {
	return getDefault().RunCode(ctx, code)
}

// ProcessDocument processes a document through the process-wide
// controller.
func ProcessDocument(ctx context.Context, source string, opts ...autorender.Option) (string, *autorender.Report, error) {
	return getDefault().ProcessDocument(ctx, source, opts...)
}

// Status reports the process-wide controller's lifecycle state.
func Status() State {
	return getDefault().Status()
}

// IsReady reports whether the process-wide controller accepts
// operational requests.
func IsReady() bool {
	return getDefault().IsReady()
}

// Subscribe returns lifecycle events from the process-wide controller.
// Subscribing before Init is fine; subscriptions survive Cleanup.
func Subscribe(types ...events.Type) <-chan events.Event {
	return getDefault().Subscribe(types...)
}

// Unsubscribe releases a Subscribe channel.
func Unsubscribe(ch <-chan events.Event) {
	getDefault().Unsubscribe(ch)
}

// Cleanup terminates the process-wide controller's worker and resets
// it to uninitialized. A later Init starts fresh.
func Cleanup() {
	defaultMu.Lock()
	pg := defaultPG
	defaultMu.Unlock()
	if pg != nil {
		pg.Cleanup()
	}
}
