package playground

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/errors"
	"github.com/joshuadavidthomas/django-bird-playground/events"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
	"github.com/joshuadavidthomas/django-bird-playground/worker"
)

// State is the lifecycle state of a controller.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Playground is a controller owning one worker and its embedded
// runtime. All methods are safe for concurrent use.
type Playground struct {
	cfg Config
	hub *events.Hub

	mu      sync.Mutex
	status  State
	initErr error
	attempt *initAttempt
	gen     int

	client *transport.Client
	cache  *renderCache
	known  map[string]struct{}
}

// initAttempt is one in-flight initialization. Concurrent Init calls
// share it and settle together.
type initAttempt struct {
	done chan struct{}
	err  error
}

func (a *initAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return errors.Timeout("init", ctx.Err())
	}
}

// workerResources bundles everything one initialization attempt builds,
// so a cleanup racing the attempt can discard it atomically.
type workerResources struct {
	client *transport.Client
	known  map[string]struct{}
}

// New constructs a controller. Nothing heavyweight happens until Init.
func New(cfg Config) *Playground {
	return &Playground{
		cfg: cfg.withDefaults(),
		hub: events.NewHub(),
	}
}

// configure replaces the controller's configuration. It applies only
// while nothing has been initialized yet and reports whether it took
// effect.
func (p *Playground) configure(cfg Config) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StateUninitialized {
		return false
	}
	p.cfg = cfg.withDefaults()
	return true
}

// Init brings the controller to ready: it builds the engine, starts the
// worker, bootstraps the runtime with the configured packages and runs
// the auto-render job. Calling Init while initialization is in flight
// joins the attempt; both callers settle together. Init on a ready
// controller returns nil immediately; Init after a failed attempt
// starts a fresh one.
func (p *Playground) Init(ctx context.Context) error {
	p.mu.Lock()
	switch p.status {
	case StateReady:
		p.mu.Unlock()
		return nil
	case StateInitializing:
		attempt := p.attempt
		p.mu.Unlock()
		return attempt.wait(ctx)
	}

	attempt := &initAttempt{done: make(chan struct{})}
	p.status = StateInitializing
	p.initErr = nil
	p.attempt = attempt
	gen := p.gen
	p.mu.Unlock()

	p.initialize(ctx, attempt, gen)
	return attempt.wait(ctx)
}

func (p *Playground) initialize(ctx context.Context, attempt *initAttempt, gen int) {
	eng, err := p.cfg.NewEngine()
	if err != nil {
		p.failInit(attempt, gen, nil, asInitError("create engine", err))
		return
	}

	wk := worker.Start(eng)
	res := &workerResources{
		known: make(map[string]struct{}),
		client: transport.NewClient(wk.Port(),
			transport.WithTimeout(p.cfg.RequestTimeout),
			transport.WithProgressHandler(p.onProgress)),
	}

	// Publish the client while still initializing so a concurrent
	// Cleanup can terminate a bootstrap in flight.
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.failInit(attempt, gen, res, nil)
		return
	}
	p.client = res.client
	p.mu.Unlock()

	raw, err := res.client.Call(ctx, transport.OpBootstrap,
		transport.BootstrapPayload{Packages: p.cfg.Packages},
		transport.WithCallTimeout(p.cfg.BootstrapTimeout))
	if err != nil {
		p.failInit(attempt, gen, res, asInitError("bootstrap", err))
		return
	}

	var report transport.InstallReport
	if err := json.Unmarshal(raw, &report); err != nil {
		p.failInit(attempt, gen, res, errors.Initialization("decode bootstrap report", err))
		return
	}
	for _, name := range report.Installed {
		res.known[name] = struct{}{}
	}
	if !report.Ok() {
		// Configured packages are best-effort; a template that needs
		// one will fail at render time with an actionable error.
		Logger().Warn("some configured packages failed to install",
			zap.Strings("failed", report.FailedNames()))
	}

	if job := p.cfg.AutoRender; job != nil {
		out, rep := autorender.Process(ctx, job.Source,
			&initRenderer{client: res.client, known: res.known},
			job.Options...)
		if job.Done != nil {
			job.Done(out, rep)
		}
	}

	p.commitInit(attempt, gen, res)
}

func (p *Playground) commitInit(attempt *initAttempt, gen int, res *workerResources) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		res.client.Close()
		attempt.err = errors.Initialization("controller cleaned up during initialization", nil)
		close(attempt.done)
		return
	}
	p.status = StateReady
	p.known = res.known
	p.cache = newRenderCache(p.cfg.CacheSize)
	p.attempt = nil
	p.mu.Unlock()

	Logger().Info("controller ready", zap.Int("packages", len(res.known)))
	p.hub.EmitReady()
	if p.cfg.OnReady != nil {
		p.cfg.OnReady()
	}
	close(attempt.done)
}

func (p *Playground) failInit(attempt *initAttempt, gen int, res *workerResources, err error) {
	if res != nil {
		res.client.Close()
	}

	p.mu.Lock()
	stale := p.gen != gen
	if !stale {
		p.status = StateError
		p.initErr = err
		p.attempt = nil
		p.client = nil
	}
	p.mu.Unlock()

	if stale {
		err = errors.Initialization("controller cleaned up during initialization", err)
	} else {
		Logger().Error("initialization failed", zap.Error(err))
		p.hub.EmitError(err)
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
	}
	attempt.err = err
	close(attempt.done)
}

// asInitError keeps initialization-kind errors as they are and wraps
// anything else, so a failed Init always reports a fatal kind.
func asInitError(op string, err error) error {
	if errors.KindOf(err) == errors.KindInitialization {
		return err
	}
	return errors.Wrap(errors.KindInitialization, op, err)
}

func (p *Playground) onProgress(pr transport.Progress) {
	p.hub.EmitProgress(pr.Step, pr.Message)
	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(pr.Step, pr.Message)
	}
}

// Cleanup terminates the worker and resets the controller to
// uninitialized. It is safe to call at any time, any number of times.
// An initialization in flight settles with an error and its worker is
// discarded.
func (p *Playground) Cleanup() {
	p.mu.Lock()
	p.gen++
	client := p.client
	p.status = StateUninitialized
	p.initErr = nil
	p.attempt = nil
	p.client = nil
	p.known = nil
	p.cache.purge()
	p.cache = nil
	p.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			Logger().Warn("worker shutdown", zap.Error(err))
		}
	}
}

// Status reports the lifecycle state.
func (p *Playground) Status() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IsReady reports whether the controller accepts operational requests.
func (p *Playground) IsReady() bool {
	return p.Status() == StateReady
}

// Packages lists the installed package names, sorted.
func (p *Playground) Packages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.known))
	for name := range p.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CachedRenders reports how many render results sit in the cache.
func (p *Playground) CachedRenders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.len()
}

// Subscribe returns a channel of lifecycle events, optionally filtered
// by type. Release it with Unsubscribe.
func (p *Playground) Subscribe(types ...events.Type) <-chan events.Event {
	return p.hub.Subscribe(0, types...)
}

// Unsubscribe releases a Subscribe channel.
func (p *Playground) Unsubscribe(ch <-chan events.Event) {
	p.hub.Unsubscribe(ch)
}

// EventStats reports how many lifecycle events were published and how
// many were dropped on full subscriber channels.
func (p *Playground) EventStats() (published, dropped uint64) {
	return p.hub.Stats()
}

// session is a consistent snapshot of the ready controller's working
// state. The generation lets a long call detect that a cleanup ran
// underneath it.
type session struct {
	client *transport.Client
	cache  *renderCache
	gen    int
}

// session gates operational requests on the ready state. In the error
// state it returns the stored initialization error so callers fail
// fast with the original cause.
func (p *Playground) session(op string) (session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case StateReady:
		return session{client: p.client, cache: p.cache, gen: p.gen}, nil
	case StateError:
		return session{}, p.initErr
	default:
		return session{}, errors.NotInitialized(op)
	}
}

// initRenderer drives the auto-render job before the controller is
// ready, addressing the worker directly. Its known set becomes the
// controller's on commit.
type initRenderer struct {
	client *transport.Client
	known  map[string]struct{}
}

func (r *initRenderer) RenderTemplate(ctx context.Context, template string, context map[string]any) (string, error) {
	raw, err := r.client.Call(ctx, transport.OpRenderTemplate,
		transport.RenderPayload{Template: template, Context: context})
	if err != nil {
		return "", err
	}
	var res transport.RenderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", errors.Initialization("decode render result", err)
	}
	return res.Output, nil
}

func (r *initRenderer) InstallPackages(ctx context.Context, names []string) (*transport.InstallReport, error) {
	report := &transport.InstallReport{}
	var missing []string
	for _, name := range names {
		if _, ok := r.known[name]; ok {
			report.Installed = append(report.Installed, name)
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) == 0 {
		return report, nil
	}

	raw, err := r.client.Call(ctx, transport.OpInstallBatch,
		transport.InstallPayload{Packages: missing})
	if err != nil {
		return nil, err
	}
	var remote transport.InstallReport
	if err := json.Unmarshal(raw, &remote); err != nil {
		return nil, errors.Initialization("decode install report", err)
	}
	for _, name := range remote.Installed {
		r.known[name] = struct{}{}
	}
	report.Installed = append(report.Installed, remote.Installed...)
	report.Failed = remote.Failed
	return report, nil
}
