package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

// Fake is an in-memory Engine for tests. It renders templates by
// substituting {name} placeholders from the context and records every
// call so orchestration logic can be tested without a WASM runtime.
//
// Configure failure injection before handing the Fake to a worker;
// the counters are safe to read concurrently.
type Fake struct {
	// BootstrapErr is returned from Bootstrap when set.
	BootstrapErr error
	// InstallErrs maps package names to a failure detail. Installing
	// a listed package returns an install error with that detail.
	InstallErrs map[string]string
	// ExecOutput is returned from Exec calls.
	ExecOutput string
	// RenderDelay makes each Render block, so tests can exercise
	// timeouts and cancellation.
	RenderDelay time.Duration

	mu             sync.Mutex
	bootstrapCalls int
	renderCalls    int
	execCalls      int
	installCalls   map[string]int
	closed         bool
}

// NewFake returns a Fake ready for use.
func NewFake() *Fake {
	return &Fake{installCalls: make(map[string]int)}
}

func (f *Fake) Bootstrap(ctx context.Context, report ProgressFunc) error {
	f.mu.Lock()
	f.bootstrapCalls++
	err := f.BootstrapErr
	f.mu.Unlock()
	if report != nil {
		report("configuring", "fake engine ready")
	}
	return err
}

func (f *Fake) Render(ctx context.Context, source string, context map[string]any) (string, error) {
	f.mu.Lock()
	f.renderCalls++
	delay := f.RenderDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return substitute(source, context)
}

func (f *Fake) Install(ctx context.Context, name string) error {
	f.mu.Lock()
	if f.installCalls == nil {
		f.installCalls = make(map[string]int)
	}
	f.installCalls[name]++
	detail, fail := f.InstallErrs[name]
	f.mu.Unlock()
	if fail {
		return errors.InstallOne(name, detail)
	}
	return nil
}

func (f *Fake) Exec(ctx context.Context, code string) (string, error) {
	f.mu.Lock()
	f.execCalls++
	out := f.ExecOutput
	f.mu.Unlock()
	return out, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// BootstrapCalls reports how many times Bootstrap ran.
func (f *Fake) BootstrapCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootstrapCalls
}

// RenderCalls reports how many times Render ran.
func (f *Fake) RenderCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renderCalls
}

// ExecCalls reports how many times Exec ran.
func (f *Fake) ExecCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

// InstallCalls reports how many times the named package was installed.
func (f *Fake) InstallCalls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installCalls[name]
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// substitute replaces {key} placeholders with context values. Unknown
// keys render as empty strings, matching Django's lenient default. An
// unclosed placeholder is a template error.
func substitute(source string, context map[string]any) (string, error) {
	var b strings.Builder
	for {
		open := strings.IndexByte(source, '{')
		if open < 0 {
			b.WriteString(source)
			return b.String(), nil
		}
		b.WriteString(source[:open])
		rest := source[open+1:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return "", errors.Render(source, "unclosed placeholder", nil)
		}
		key := strings.TrimSpace(rest[:end])
		if v, ok := context[key]; ok {
			fmt.Fprintf(&b, "%v", v)
		}
		source = rest[end+1:]
	}
}
