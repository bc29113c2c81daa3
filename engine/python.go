package engine

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
	"github.com/joshuadavidthomas/django-bird-playground/pypi"
)

//go:embed bootstrap.py
var bootstrapSource string

// Python runs Django inside a WASI CPython interpreter under wazero.
// Bootstrap installs the baseline wheels, compiles and starts the
// interpreter with the embedded bootstrap program, and waits for its ready
// signal; after that each command is one JSON line over stdin answered by
// one result or error frame over stderr.
type Python struct {
	cfg       pythonConfig
	installer *pypi.Installer

	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule

	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	stdout      *outputBuffer
	frames      *frameReader

	mu       sync.Mutex
	execMu   sync.Mutex
	started  bool
	closed   bool
	startErr error

	// runMu guards state written by the instantiation goroutine.
	runMu   sync.Mutex
	module  api.Module
	exitErr error
}

// NewPython creates the engine. Nothing heavyweight happens until
// Bootstrap.
func NewPython(opts ...PythonOption) (*Python, error) {
	cfg := defaultPythonConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.runtimePath == "" {
		return nil, errors.Initialization("no runtime path configured", nil)
	}

	return &Python{cfg: cfg}, nil
}

type guestCommand struct {
	Op       string         `json:"op"`
	Template string         `json:"template,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Code     string         `json:"code,omitempty"`
}

// Bootstrap implements Engine.
func (p *Python) Bootstrap(ctx context.Context, report ProgressFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.Initialization("engine closed", nil)
	}
	if p.started {
		return nil
	}
	if report == nil {
		report = func(string, string) {}
	}

	if err := os.MkdirAll(p.cfg.packagesDir, 0755); err != nil {
		return errors.Initialization("create packages directory", err)
	}

	p.installer = p.cfg.installer
	if p.installer == nil {
		inst, err := pypi.NewInstaller(p.cfg.packagesDir)
		if err != nil {
			return errors.Initialization("create package installer", err)
		}
		p.installer = inst
	}

	for _, name := range p.cfg.baseline {
		if p.installer.IsInstalled(name) {
			continue
		}
		report("installing-"+name, fmt.Sprintf("installing %s", name))
		if _, err := p.installer.Install(ctx, name); err != nil {
			return errors.Initialization(fmt.Sprintf("install baseline package %s", name), err)
		}
	}

	report("loading-runtime", "compiling Python runtime")
	if err := p.startRuntime(ctx, report); err != nil {
		p.startErr = err
		return err
	}

	p.started = true
	return nil
}

func (p *Python) startRuntime(ctx context.Context, report ProgressFunc) error {
	wasmBytes, err := os.ReadFile(p.cfg.runtimePath)
	if err != nil {
		return errors.Initialization(
			fmt.Sprintf("read runtime from %s (fetch it with: bird runtime fetch)", p.cfg.runtimePath), err)
	}

	bg := context.Background()

	var cache wazero.CompilationCache
	if p.cfg.diskCache {
		dir := p.cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return errors.Initialization("create disk cache", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if p.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(p.cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(bg, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(bg, rt); err != nil {
		if cache != nil {
			cache.Close(bg)
		}
		rt.Close(bg)
		return errors.Initialization("instantiate WASI", err)
	}

	compiled, err := rt.CompileModule(bg, wasmBytes)
	if err != nil {
		if cache != nil {
			cache.Close(bg)
		}
		rt.Close(bg)
		return errors.Initialization("compile runtime", err)
	}

	p.runtime = rt
	p.cache = cache
	p.compiled = compiled

	p.stdinReader, p.stdin = io.Pipe()
	p.stdout = newOutputBuffer()
	p.frames = newFrameReader(report)

	fsConfig := wazero.NewFSConfig().
		WithReadOnlyDirMount(p.cfg.packagesDir, "/packages")

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(p.stdout).
		WithStderr(p.frames).
		WithStdin(p.stdinReader).
		WithFSConfig(fsConfig).
		WithArgs("python", "-c", bootstrapSource).
		WithEnv("PYTHONPATH", "/packages").
		WithEnv("PYTHONDONTWRITEBYTECODE", "1").
		WithName("")

	for k, v := range p.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	instErr := make(chan error, 1)
	go func() {
		mod, err := p.runtime.InstantiateModule(bg, compiled, moduleConfig)
		if err == nil {
			p.runMu.Lock()
			p.module = mod
			p.runMu.Unlock()
			return
		}
		p.runMu.Lock()
		p.exitErr = err
		p.runMu.Unlock()
		// Unblock any writer waiting on a reader that will never come.
		p.stdinReader.Close()
		p.stdin.Close()
		instErr <- err
	}()

	readyTimeout := p.cfg.readyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 120 * time.Second
	}

	select {
	case <-p.frames.Ready():
		return nil
	case err := <-instErr:
		return errors.Initialization("runtime exited during startup", err)
	case <-ctx.Done():
		return errors.Initialization("runtime start", ctx.Err())
	case <-time.After(readyTimeout):
		return errors.Initialization(
			fmt.Sprintf("runtime start timed out after %v", readyTimeout), nil)
	}
}

// command sends one JSON line to the guest and waits for its result or
// error frame.
func (p *Python) command(ctx context.Context, cmd guestCommand) (json.RawMessage, error) {
	p.execMu.Lock()
	defer p.execMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Initialization("engine closed", nil)
	}
	if !p.started {
		err := p.startErr
		p.mu.Unlock()
		return nil, errors.Initialization("engine not started", err)
	}
	p.mu.Unlock()

	p.runMu.Lock()
	if p.exitErr != nil {
		err := p.exitErr
		p.runMu.Unlock()
		return nil, errors.Initialization("runtime exited", err)
	}
	p.runMu.Unlock()

	if p.cfg.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.commandTimeout)
		defer cancel()
	}

	p.stdout.Reset()
	p.frames.ResetCommand()

	line, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.Initialization("marshal command", err)
	}
	line = append(line, '\n')

	if _, err := p.stdin.Write(line); err != nil {
		p.runMu.Lock()
		exitErr := p.exitErr
		p.runMu.Unlock()
		if exitErr != nil {
			err = exitErr
		}
		return nil, errors.Initialization("write command", err)
	}

	select {
	case <-ctx.Done():
		e := errors.Timeout(cmd.Op, ctx.Err())
		if tail := p.frames.Stderr(); tail != "" {
			e.Detail = tail
		}
		return nil, e
	case out := <-p.frames.Outcome():
		if out.errRaw != nil {
			return nil, p.guestError(out.errRaw, cmd)
		}
		return out.result, nil
	}
}

func (p *Python) guestError(raw json.RawMessage, cmd guestCommand) error {
	var ge guestError
	if err := json.Unmarshal(raw, &ge); err != nil {
		return errors.Initialization("malformed error frame", err)
	}

	e := &errors.Error{
		Kind:    errors.Kind(ge.Kind),
		Message: ge.Message,
		Detail:  ge.Detail,
	}
	switch e.Kind {
	case errors.KindRender:
		e.Template = cmd.Template
	case errors.KindExec, errors.KindInstall, errors.KindInvalidInput:
	default:
		e.Kind = errors.KindInitialization
	}
	return e
}

// Render implements Engine.
func (p *Python) Render(ctx context.Context, source string, context map[string]any) (string, error) {
	raw, err := p.command(ctx, guestCommand{Op: "render", Template: source, Context: context})
	if err != nil {
		return "", err
	}
	var res struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", errors.Initialization("malformed result frame", err)
	}
	return res.Output, nil
}

// Install implements Engine. The wheel is fetched and extracted host-side;
// the guest then refreshes its import caches.
func (p *Python) Install(ctx context.Context, name string) error {
	p.mu.Lock()
	inst := p.installer
	p.mu.Unlock()
	if inst == nil {
		return errors.Initialization("engine not started", nil)
	}

	if _, err := inst.Install(ctx, name); err != nil {
		return err
	}

	_, err := p.command(ctx, guestCommand{Op: "invalidate"})
	return err
}

// Exec implements Engine.
func (p *Python) Exec(ctx context.Context, code string) (string, error) {
	raw, err := p.command(ctx, guestCommand{Op: "exec", Code: code})
	if err != nil {
		return "", err
	}
	var res struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", errors.Initialization("malformed result frame", err)
	}
	return res.Output, nil
}

// Close implements Engine.
func (p *Python) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// Close pipes first - the guest sees EOF on stdin and exits cleanly.
	if p.stdinReader != nil {
		p.stdinReader.Close()
	}
	if p.stdin != nil {
		p.stdin.Close()
	}

	ctx := context.Background()
	p.runMu.Lock()
	mod := p.module
	p.runMu.Unlock()
	if mod != nil {
		mod.Close(ctx)
	}
	if p.runtime != nil {
		p.runtime.Close(ctx)
	}
	if p.cache != nil {
		p.cache.Close(ctx)
	}

	return nil
}

type outputBuffer struct {
	buf []byte
	mu  sync.Mutex
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{}
}

func (o *outputBuffer) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = append(o.buf, data...)
	return len(data), nil
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.buf)
}

func (o *outputBuffer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = o.buf[:0]
}
