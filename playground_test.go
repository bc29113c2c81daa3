package playground

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/engine"
	"github.com/joshuadavidthomas/django-bird-playground/errors"
	"github.com/joshuadavidthomas/django-bird-playground/events"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
)

func newReady(t *testing.T, cfg Config) (*Playground, *engine.Fake) {
	t.Helper()
	fake := engine.NewFake()
	cfg.NewEngine = func() (engine.Engine, error) { return fake, nil }
	pg := New(cfg)
	t.Cleanup(pg.Cleanup)
	if err := pg.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return pg, fake
}

func TestInitAndRender(t *testing.T) {
	pg, _ := newReady(t, Config{})

	if got := pg.Status(); got != StateReady {
		t.Fatalf("Status() = %v, want %v", got, StateReady)
	}
	out, err := pg.Render(context.Background(), "Hello {name}!", map[string]any{"name": "World"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "Hello World!" {
		t.Errorf("Render() = %q, want %q", out, "Hello World!")
	}
}

func TestInitIdempotent(t *testing.T) {
	pg, fake := newReady(t, Config{})

	if err := pg.Init(context.Background()); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	if got := fake.BootstrapCalls(); got != 1 {
		t.Errorf("bootstrap calls = %d, want 1", got)
	}
}

func TestConcurrentInitSharesAttempt(t *testing.T) {
	var mu sync.Mutex
	created := 0
	pg := New(Config{NewEngine: func() (engine.Engine, error) {
		mu.Lock()
		created++
		mu.Unlock()
		return engine.NewFake(), nil
	}})
	t.Cleanup(pg.Cleanup)

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = pg.Init(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Init() %d error = %v", i, err)
		}
	}
	if created != 1 {
		t.Errorf("engines created = %d, want 1", created)
	}
	if got := pg.Status(); got != StateReady {
		t.Errorf("Status() = %v, want %v", got, StateReady)
	}
}

func TestRenderBeforeInit(t *testing.T) {
	fake := engine.NewFake()
	pg := New(Config{NewEngine: func() (engine.Engine, error) { return fake, nil }})

	_, err := pg.Render(context.Background(), "x", nil)
	if errors.KindOf(err) != errors.KindNotInitialized {
		t.Fatalf("Render() error kind = %v, want %v", errors.KindOf(err), errors.KindNotInitialized)
	}
	if got := fake.RenderCalls(); got != 0 {
		t.Errorf("render calls = %d, want 0", got)
	}
	if got := pg.Status(); got != StateUninitialized {
		t.Errorf("Status() = %v, want %v", got, StateUninitialized)
	}
}

func TestInitFailureSurfaces(t *testing.T) {
	fake := engine.NewFake()
	fake.BootstrapErr = errors.Initialization("runtime image missing", nil)
	pg := New(Config{NewEngine: func() (engine.Engine, error) { return fake, nil }})
	t.Cleanup(pg.Cleanup)

	err := pg.Init(context.Background())
	if errors.KindOf(err) != errors.KindInitialization {
		t.Fatalf("Init() error kind = %v, want %v", errors.KindOf(err), errors.KindInitialization)
	}
	if got := pg.Status(); got != StateError {
		t.Errorf("Status() = %v, want %v", got, StateError)
	}
	if !fake.Closed() {
		t.Errorf("engine not closed after failed init")
	}

	// Operational calls report the stored failure, not a generic
	// not-initialized error.
	_, rerr := pg.Render(context.Background(), "x", nil)
	if errors.KindOf(rerr) != errors.KindInitialization {
		t.Errorf("Render() error kind = %v, want %v", errors.KindOf(rerr), errors.KindInitialization)
	}
	if !strings.Contains(rerr.Error(), "runtime image missing") {
		t.Errorf("Render() error = %v, want original failure", rerr)
	}
}

func TestInitRetryAfterFailure(t *testing.T) {
	broken := engine.NewFake()
	broken.BootstrapErr = errors.Initialization("no runtime", nil)
	working := engine.NewFake()
	engines := []*engine.Fake{broken, working}

	calls := 0
	pg := New(Config{NewEngine: func() (engine.Engine, error) {
		eng := engines[calls]
		calls++
		return eng, nil
	}})
	t.Cleanup(pg.Cleanup)

	if err := pg.Init(context.Background()); err == nil {
		t.Fatal("first Init() succeeded, want failure")
	}
	if err := pg.Init(context.Background()); err != nil {
		t.Fatalf("retry Init() error = %v", err)
	}
	if got := pg.Status(); got != StateReady {
		t.Errorf("Status() = %v, want %v", got, StateReady)
	}
	out, err := pg.Render(context.Background(), "{n}", map[string]any{"n": "ok"})
	if err != nil || out != "ok" {
		t.Errorf("Render() = %q, %v, want %q, nil", out, err, "ok")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	pg, fake := newReady(t, Config{})

	pg.Cleanup()
	pg.Cleanup()

	if got := pg.Status(); got != StateUninitialized {
		t.Errorf("Status() = %v, want %v", got, StateUninitialized)
	}
	if !fake.Closed() {
		t.Errorf("engine not closed after cleanup")
	}
	_, err := pg.Render(context.Background(), "x", nil)
	if errors.KindOf(err) != errors.KindNotInitialized {
		t.Errorf("Render() error kind = %v, want %v", errors.KindOf(err), errors.KindNotInitialized)
	}
}

// gatedEngine blocks inside Bootstrap until released or canceled, so
// tests can hold an initialization in flight.
type gatedEngine struct {
	*engine.Fake
	started chan struct{}
	release chan struct{}
}

func (g *gatedEngine) Bootstrap(ctx context.Context, report engine.ProgressFunc) error {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Fake.Bootstrap(ctx, report)
}

func TestCleanupDuringInit(t *testing.T) {
	eng := &gatedEngine{
		Fake:    engine.NewFake(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	pg := New(Config{NewEngine: func() (engine.Engine, error) { return eng, nil }})

	errCh := make(chan error, 1)
	go func() { errCh <- pg.Init(context.Background()) }()

	<-eng.started
	pg.Cleanup()

	select {
	case err := <-errCh:
		if errors.KindOf(err) != errors.KindInitialization {
			t.Fatalf("Init() error kind = %v, want %v", errors.KindOf(err), errors.KindInitialization)
		}
		if !strings.Contains(err.Error(), "cleaned up") {
			t.Errorf("Init() error = %v, want cleanup cause", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Init() did not settle after cleanup")
	}

	if got := pg.Status(); got != StateUninitialized {
		t.Errorf("Status() = %v, want %v", got, StateUninitialized)
	}
	if !eng.Closed() {
		t.Errorf("engine not closed after cleanup")
	}
}

func TestInstallPackagesDedup(t *testing.T) {
	pg, fake := newReady(t, Config{})
	ctx := context.Background()

	rep, err := pg.InstallPackages(ctx, []string{"markdown", "markdown"})
	if err != nil {
		t.Fatalf("InstallPackages() error = %v", err)
	}
	if !rep.Ok() || len(rep.Installed) != 1 {
		t.Fatalf("report = %+v, want one installed package", rep)
	}

	// A second request for an installed package never reaches the
	// worker.
	rep, err = pg.InstallPackages(ctx, []string{"markdown"})
	if err != nil {
		t.Fatalf("InstallPackages() error = %v", err)
	}
	if len(rep.Installed) != 1 || rep.Installed[0] != "markdown" {
		t.Errorf("report.Installed = %v, want [markdown]", rep.Installed)
	}
	if got := fake.InstallCalls("markdown"); got != 1 {
		t.Errorf("install calls = %d, want 1", got)
	}
}

func TestInstallPackagesFailureRetried(t *testing.T) {
	pg, fake := newReady(t, Config{})
	fake.InstallErrs = map[string]string{"bad-pkg": "no wheel available"}
	ctx := context.Background()

	rep, err := pg.InstallPackages(ctx, []string{"bad-pkg"})
	if err != nil {
		t.Fatalf("InstallPackages() error = %v", err)
	}
	if rep.Ok() {
		t.Fatal("report.Ok() = true, want failure")
	}
	if !strings.Contains(rep.Failed["bad-pkg"], "no wheel") {
		t.Errorf("report.Failed = %v, want wheel failure detail", rep.Failed)
	}

	// Failures are not remembered as installed, so a retry reaches the
	// worker again.
	if _, err := pg.InstallPackages(ctx, []string{"bad-pkg"}); err != nil {
		t.Fatalf("retry InstallPackages() error = %v", err)
	}
	if got := fake.InstallCalls("bad-pkg"); got != 2 {
		t.Errorf("install calls = %d, want 2", got)
	}
}

func TestRenderCache(t *testing.T) {
	pg, fake := newReady(t, Config{})
	ctx := context.Background()
	tctx := map[string]any{"name": "World"}

	for i := 0; i < 2; i++ {
		out, err := pg.Render(ctx, "Hello {name}!", tctx)
		if err != nil || out != "Hello World!" {
			t.Fatalf("Render() #%d = %q, %v", i, out, err)
		}
	}
	if got := fake.RenderCalls(); got != 1 {
		t.Errorf("render calls = %d, want 1 after cache hit", got)
	}
	if got := pg.CachedRenders(); got != 1 {
		t.Errorf("CachedRenders() = %d, want 1", got)
	}

	if _, err := pg.Render(ctx, "Hello {name}!", tctx, WithoutCache()); err != nil {
		t.Fatalf("Render() without cache error = %v", err)
	}
	if got := fake.RenderCalls(); got != 2 {
		t.Errorf("render calls = %d, want 2 after cache bypass", got)
	}

	if _, err := pg.Render(ctx, "Hello {name}!", map[string]any{"name": "Go"}); err != nil {
		t.Fatalf("Render() with new context error = %v", err)
	}
	if got := fake.RenderCalls(); got != 3 {
		t.Errorf("render calls = %d, want 3 after context change", got)
	}
}

func TestRenderCacheDisabled(t *testing.T) {
	pg, fake := newReady(t, Config{CacheSize: -1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := pg.Render(ctx, "{x}", map[string]any{"x": "y"}); err != nil {
			t.Fatalf("Render() #%d error = %v", i, err)
		}
	}
	if got := fake.RenderCalls(); got != 2 {
		t.Errorf("render calls = %d, want 2 with cache disabled", got)
	}
	if got := pg.CachedRenders(); got != 0 {
		t.Errorf("CachedRenders() = %d, want 0", got)
	}
}

func TestRunCodeDropsCache(t *testing.T) {
	pg, fake := newReady(t, Config{})
	fake.ExecOutput = "42\n"
	ctx := context.Background()

	if _, err := pg.Render(ctx, "{x}", map[string]any{"x": "y"}); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	out, err := pg.RunCode(ctx, "print(6 * 7)")
	if err != nil {
		t.Fatalf("RunCode() error = %v", err)
	}
	if out != "42\n" {
		t.Errorf("RunCode() = %q, want %q", out, "42\n")
	}

	if _, err := pg.Render(ctx, "{x}", map[string]any{"x": "y"}); err != nil {
		t.Fatalf("Render() after RunCode error = %v", err)
	}
	if got := fake.RenderCalls(); got != 2 {
		t.Errorf("render calls = %d, want 2 after cache drop", got)
	}
}

func TestRenderErrorKind(t *testing.T) {
	pg, _ := newReady(t, Config{})

	_, err := pg.Render(context.Background(), "{broken", nil)
	if errors.KindOf(err) != errors.KindRender {
		t.Fatalf("Render() error kind = %v, want %v", errors.KindOf(err), errors.KindRender)
	}
}

func TestRenderWithPackages(t *testing.T) {
	pg, fake := newReady(t, Config{})

	out, err := pg.Render(context.Background(), "{n}", map[string]any{"n": "ok"},
		WithPackages("markdown"))
	if err != nil || out != "ok" {
		t.Fatalf("Render() = %q, %v, want %q, nil", out, err, "ok")
	}
	if got := fake.InstallCalls("markdown"); got != 1 {
		t.Errorf("install calls = %d, want 1", got)
	}
}

func TestRenderBatch(t *testing.T) {
	pg, _ := newReady(t, Config{})

	results, err := pg.RenderBatch(context.Background(), []transport.RenderPayload{
		{Template: "Hello {name}!", Context: map[string]any{"name": "World"}},
		{Template: "{broken"},
		{Template: "plain text"},
	})
	if err != nil {
		t.Fatalf("RenderBatch() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[0].Output != "Hello World!" {
		t.Errorf("results[0] = %+v, want rendered output", results[0])
	}
	if errors.KindOf(results[1].Err) != errors.KindRender {
		t.Errorf("results[1] error kind = %v, want %v", errors.KindOf(results[1].Err), errors.KindRender)
	}
	if results[2].Err != nil || results[2].Output != "plain text" {
		t.Errorf("results[2] = %+v, want rendered output", results[2])
	}
}

func TestBootstrapInstallsConfiguredPackages(t *testing.T) {
	pg, fake := newReady(t, Config{Packages: []string{"django-bird", "markdown"}})

	if got := fake.InstallCalls("django-bird"); got != 1 {
		t.Errorf("install calls for django-bird = %d, want 1", got)
	}
	if got := pg.Packages(); len(got) != 2 || got[0] != "django-bird" || got[1] != "markdown" {
		t.Errorf("Packages() = %v, want [django-bird markdown]", got)
	}

	// Configured packages are in the known set, so installing again is
	// a no-op.
	if _, err := pg.InstallPackages(context.Background(), []string{"markdown"}); err != nil {
		t.Fatalf("InstallPackages() error = %v", err)
	}
	if got := fake.InstallCalls("markdown"); got != 1 {
		t.Errorf("install calls for markdown = %d, want 1", got)
	}
}

func TestLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var steps []string
	readyCalled := false

	fake := engine.NewFake()
	pg := New(Config{
		NewEngine: func() (engine.Engine, error) { return fake, nil },
		OnProgress: func(step, message string) {
			mu.Lock()
			steps = append(steps, step)
			mu.Unlock()
		},
		OnReady: func() {
			mu.Lock()
			readyCalled = true
			mu.Unlock()
		},
	})
	t.Cleanup(pg.Cleanup)

	ch := pg.Subscribe(events.TypeReady)
	defer pg.Unsubscribe(ch)

	if err := pg.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	mu.Lock()
	gotSteps := append([]string(nil), steps...)
	gotReady := readyCalled
	mu.Unlock()
	if len(gotSteps) == 0 || gotSteps[0] != "configuring" {
		t.Errorf("progress steps = %v, want configuring first", gotSteps)
	}
	if !gotReady {
		t.Error("OnReady was not called")
	}

	select {
	case ev := <-ch:
		if ev.Type != events.TypeReady {
			t.Errorf("event type = %v, want %v", ev.Type, events.TypeReady)
		}
	default:
		t.Error("no ready event delivered")
	}
}

func TestErrorEvent(t *testing.T) {
	fake := engine.NewFake()
	fake.BootstrapErr = errors.Initialization("boom", nil)

	var mu sync.Mutex
	var got error
	pg := New(Config{
		NewEngine: func() (engine.Engine, error) { return fake, nil },
		OnError: func(err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		},
	})
	t.Cleanup(pg.Cleanup)

	ch := pg.Subscribe(events.TypeError)
	defer pg.Unsubscribe(ch)

	if err := pg.Init(context.Background()); err == nil {
		t.Fatal("Init() succeeded, want failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || !strings.Contains(got.Error(), "boom") {
		t.Errorf("OnError error = %v, want bootstrap failure", got)
	}
	select {
	case ev := <-ch:
		if ev.Err == nil {
			t.Errorf("event = %+v, want error set", ev)
		}
	default:
		t.Error("no error event delivered")
	}
}

func TestAutoRenderDuringInit(t *testing.T) {
	source := `<html><body><div data-bird-template data-bird-context='{"name": "World"}'>Hello {name}!</div></body></html>`

	var out string
	var rendered int
	cfg := Config{
		AutoRender: &AutoRenderJob{
			Source: source,
			Done: func(o string, r *autorender.Report) {
				out = o
				rendered = r.Rendered
			},
		},
	}
	pg, fake := newReady(t, cfg)

	if rendered != 1 {
		t.Fatalf("rendered = %d, want 1", rendered)
	}
	if !strings.Contains(out, ">Hello World!</div>") {
		t.Errorf("processed document = %q, want rendered element", out)
	}
	if got := fake.RenderCalls(); got != 1 {
		t.Errorf("render calls = %d, want 1", got)
	}
	if got := pg.Status(); got != StateReady {
		t.Errorf("Status() = %v, want %v", got, StateReady)
	}
}

func TestProcessDocument(t *testing.T) {
	pg, _ := newReady(t, Config{})

	source := `<p data-bird-template data-bird-context='{"x": "hi"}'>{x}</p>`
	out, report, err := pg.ProcessDocument(context.Background(), source)
	if err != nil {
		t.Fatalf("ProcessDocument() error = %v", err)
	}
	if report.Rendered != 1 {
		t.Errorf("report.Rendered = %d, want 1", report.Rendered)
	}
	if !strings.Contains(out, ">hi</p>") {
		t.Errorf("ProcessDocument() = %q, want rendered element", out)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateInitializing, "initializing"},
		{StateReady, "ready"},
		{StateError, "error"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
