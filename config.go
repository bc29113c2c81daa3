package playground

import (
	"time"

	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/engine"
)

const (
	// DefaultRequestTimeout bounds each correlated request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultBootstrapTimeout bounds the one-time initialization request,
	// which downloads packages and compiles the runtime.
	DefaultBootstrapTimeout = 120 * time.Second
	// DefaultCacheSize is the number of render results kept in memory.
	DefaultCacheSize = 128
)

// AutoRenderJob describes a document to process as soon as the
// controller becomes ready.
type AutoRenderJob struct {
	// Source is the HTML document to scan and render.
	Source string
	// Options are passed through to autorender.Process.
	Options []autorender.Option
	// Done receives the processed document and its report. Optional.
	Done func(output string, report *autorender.Report)
}

// Config configures a controller. The zero value is usable: it renders
// with the default engine, no extra packages and default timeouts.
type Config struct {
	// Packages are installed right after the runtime boots. Failures
	// here are reported but do not fail initialization; a package the
	// renders actually need will fail at render time instead.
	Packages []string

	// AutoRender, when set, is processed during initialization. The
	// controller reports ready only after the job completes.
	AutoRender *AutoRenderJob

	// OnProgress, OnReady and OnError observe the lifecycle. The same
	// notifications are available as event subscriptions.
	OnProgress func(step, message string)
	OnReady    func()
	OnError    func(error)

	// RequestTimeout bounds each render/install/exec request.
	// DefaultRequestTimeout when zero.
	RequestTimeout time.Duration

	// BootstrapTimeout bounds initialization. DefaultBootstrapTimeout
	// when zero.
	BootstrapTimeout time.Duration

	// CacheSize is the capacity of the render result cache.
	// DefaultCacheSize when zero, disabled when negative.
	CacheSize int

	// NewEngine builds the engine the worker drives. The default
	// constructs the embedded Python engine with EngineOptions.
	NewEngine func() (engine.Engine, error)

	// EngineOptions configure the default Python engine. Ignored when
	// NewEngine is set.
	EngineOptions []engine.PythonOption
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.NewEngine == nil {
		opts := c.EngineOptions
		c.NewEngine = func() (engine.Engine, error) {
			return engine.NewPython(opts...)
		}
	}
	return c
}
