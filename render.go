package playground

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/errors"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
)

// RenderOption adjusts a single Render call.
type RenderOption func(*renderConfig)

type renderConfig struct {
	packages []string
	timeout  time.Duration
	noCache  bool
}

// WithPackages installs the named packages before rendering. Packages
// already present in the runtime are skipped.
func WithPackages(names ...string) RenderOption {
	return func(c *renderConfig) {
		c.packages = append(c.packages, names...)
	}
}

// WithRenderTimeout bounds this render independently of the
// controller's request timeout.
func WithRenderTimeout(d time.Duration) RenderOption {
	return func(c *renderConfig) {
		c.timeout = d
	}
}

// WithoutCache bypasses the cache lookup for this call. The fresh
// result still replaces any cached one.
func WithoutCache() RenderOption {
	return func(c *renderConfig) {
		c.noCache = true
	}
}

// Render renders a django template against the given context and
// returns the output. Identical template and context pairs are served
// from the cache when one is configured.
func (p *Playground) Render(ctx context.Context, template string, tctx map[string]any, opts ...RenderOption) (string, error) {
	var cfg renderConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := p.session("render")
	if err != nil {
		return "", err
	}

	if len(cfg.packages) > 0 {
		report, err := p.InstallPackages(ctx, cfg.packages)
		if err != nil {
			return "", err
		}
		if !report.Ok() {
			Logger().Warn("packages failed to install before render",
				zap.Strings("failed", report.FailedNames()))
		}
	}

	key, cacheable := cacheKey(template, tctx)
	if cacheable && !cfg.noCache {
		if out, ok := s.cache.get(key); ok {
			return out, nil
		}
	}

	var callOpts []transport.CallOption
	if cfg.timeout > 0 {
		callOpts = append(callOpts, transport.WithCallTimeout(cfg.timeout))
	}
	raw, err := s.client.Call(ctx, transport.OpRenderTemplate,
		transport.RenderPayload{Template: template, Context: tctx}, callOpts...)
	if err != nil {
		return "", err
	}
	var res transport.RenderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", errors.Wrap(errors.KindRender, "decode render result", err)
	}
	if cacheable {
		s.cache.add(key, res.Output)
	}
	return res.Output, nil
}

// RenderTemplate implements [autorender.Renderer] as Render with
// default options.
func (p *Playground) RenderTemplate(ctx context.Context, template string, context map[string]any) (string, error) {
	return p.Render(ctx, template, context)
}

// InstallPackages installs the named packages into the runtime,
// skipping any already present. The report covers every requested
// name; failures are per-package and do not abort the rest.
func (p *Playground) InstallPackages(ctx context.Context, names []string) (*transport.InstallReport, error) {
	s, err := p.session("install packages")
	if err != nil {
		return nil, err
	}

	report := &transport.InstallReport{}
	seen := make(map[string]struct{}, len(names))
	var missing []string
	p.mu.Lock()
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := p.known[name]; ok {
			report.Installed = append(report.Installed, name)
			continue
		}
		missing = append(missing, name)
	}
	p.mu.Unlock()
	if len(missing) == 0 {
		return report, nil
	}

	raw, err := s.client.Call(ctx, transport.OpInstallBatch,
		transport.InstallPayload{Packages: missing})
	if err != nil {
		return nil, err
	}
	var remote transport.InstallReport
	if err := json.Unmarshal(raw, &remote); err != nil {
		return nil, errors.Wrap(errors.KindInstall, "decode install report", err)
	}

	p.mu.Lock()
	if p.gen == s.gen {
		for _, name := range remote.Installed {
			p.known[name] = struct{}{}
		}
	}
	p.mu.Unlock()

	report.Installed = append(report.Installed, remote.Installed...)
	report.Failed = remote.Failed
	return report, nil
}

// BatchResult is one outcome of RenderBatch, index-aligned with the
// requested items. Output is meaningful only when Err is nil.
type BatchResult struct {
	Output string
	Err    error
}

// RenderBatch renders several templates in one worker round trip.
// Item failures are isolated; the returned error covers only problems
// with the request itself.
func (p *Playground) RenderBatch(ctx context.Context, items []transport.RenderPayload) ([]BatchResult, error) {
	s, err := p.session("batch render")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	raw, err := s.client.Call(ctx, transport.OpBatchRender,
		transport.BatchRenderPayload{Items: items})
	if err != nil {
		return nil, err
	}
	var res transport.BatchRenderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(errors.KindRender, "decode batch result", err)
	}

	out := make([]BatchResult, len(res.Items))
	for i, item := range res.Items {
		if item.Error != nil {
			out[i].Err = item.Error.Err()
			continue
		}
		out[i].Output = item.Output
	}
	return out, nil
}

// RunCode executes Python source in the embedded runtime and returns
// the captured stdout. Globals persist across calls for the worker's
// lifetime, and cached render results are dropped since executed code
// can change what templates produce.
func (p *Playground) RunCode(ctx context.Context, code string) (string, error) {
	s, err := p.session("run code")
	if err != nil {
		return "", err
	}

	raw, err := s.client.Call(ctx, transport.OpRunCode, transport.CodePayload{Code: code})
	if err != nil {
		return "", err
	}
	var res transport.CodeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", errors.Wrap(errors.KindExec, "decode code result", err)
	}

	s.cache.purge()
	return res.Output, nil
}

// ProcessDocument scans an HTML document for declared template
// elements, installs their packages and renders each one in place.
// See [autorender] for the element markup.
func (p *Playground) ProcessDocument(ctx context.Context, source string, opts ...autorender.Option) (string, *autorender.Report, error) {
	if _, err := p.session("process document"); err != nil {
		return "", nil, err
	}
	out, report := autorender.Process(ctx, source, p, opts...)
	return out, report, nil
}
