// Package autorender scans HTML for elements declaring inline templates
// and replaces their content with rendered output. Declarations are
// plain data attributes, so a page can be processed without any script
// of its own:
//
//	<div data-bird-template data-bird-context='{"name": "World"}'>
//	  Hello {{ name }}!
//	</div>
//
// Processing installs the union of declared packages once, renders each
// element independently and isolates failures: a broken element shows
// its fallback text while its siblings render normally.
package autorender

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
)

// Attribute names of the declarative contract.
const (
	AttrTemplate = "data-bird-template"
	AttrContext  = "data-bird-context"
	AttrPackages = "data-bird-packages"
	AttrLoading  = "data-bird-loading"
	AttrFallback = "data-bird-fallback"
)

// Built-in texts used when an element does not declare its own.
const (
	DefaultLoadingText = "Loading template..."
	DefaultErrorText   = `<span class="bird-error">template failed to render</span>`
)

// Renderer is the surface the orchestrator drives. The playground
// controller implements it.
type Renderer interface {
	RenderTemplate(ctx context.Context, template string, context map[string]any) (string, error)
	InstallPackages(ctx context.Context, names []string) (*transport.InstallReport, error)
}

// Element is one declared template found in a document. Index follows
// document order. Err is set when a declaration attribute failed to
// parse; such elements are skipped by install and render.
type Element struct {
	Index    int
	Tag      string
	Template string
	Context  map[string]any
	Packages []string
	Loading  string
	Fallback string
	Err      error
}

// Report summarizes one Process run.
type Report struct {
	Elements   int
	Rendered   int
	Failed     int
	Installed  *transport.InstallReport
	InstallErr error
}

type config struct {
	errorText   string
	loadingText string
	onError     func(Element, error)
}

// Option adjusts processing behavior.
type Option func(*config)

// WithErrorText replaces the built-in error fallback markup.
func WithErrorText(text string) Option {
	return func(c *config) { c.errorText = text }
}

// WithLoadingText replaces the built-in loading placeholder text.
func WithLoadingText(text string) Option {
	return func(c *config) { c.loadingText = text }
}

// WithErrorCallback registers a callback invoked once per failed
// element with the element and its error.
func WithErrorCallback(fn func(Element, error)) Option {
	return func(c *config) { c.onError = fn }
}

func newConfig(opts []Option) config {
	cfg := config{
		errorText:   DefaultErrorText,
		loadingText: DefaultLoadingText,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Scan finds the declared template elements in a document. Elements
// nested inside another declared element are part of the outer
// element's text, not elements of their own.
func Scan(source string) []Element {
	z := html.NewTokenizer(strings.NewReader(source))
	var elements []Element

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return elements
		}
		if tt != html.StartTagToken {
			continue
		}
		tok := z.Token()
		if _, marked := attrValue(tok, AttrTemplate); !marked {
			continue
		}

		el := Element{
			Index: len(elements),
			Tag:   tok.Data,
		}
		el.Loading, _ = attrValue(tok, AttrLoading)
		el.Fallback, _ = attrValue(tok, AttrFallback)

		if raw, ok := attrValue(tok, AttrContext); ok && strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &el.Context); err != nil {
				el.Err = errors.InvalidInput("element %d: malformed context JSON: %v", el.Index, err)
			}
		}
		if raw, ok := attrValue(tok, AttrPackages); ok && strings.TrimSpace(raw) != "" && el.Err == nil {
			if err := json.Unmarshal([]byte(raw), &el.Packages); err != nil {
				el.Err = errors.InvalidInput("element %d: malformed packages JSON: %v", el.Index, err)
			}
		}

		el.Template = strings.TrimSpace(innerText(z))
		elements = append(elements, el)
	}
}

// Process renders every declared element in the document and returns
// the document with element contents replaced. The union of declared
// packages is installed in a single call before any render; an install
// failure is reported but does not stop renders, since a template may
// not actually exercise the missing package.
func Process(ctx context.Context, source string, r Renderer, opts ...Option) (string, *Report) {
	cfg := newConfig(opts)

	elements := Scan(source)
	report := &Report{Elements: len(elements)}
	if len(elements) == 0 {
		return source, report
	}

	if union := packageUnion(elements); len(union) > 0 {
		rep, err := r.InstallPackages(ctx, union)
		if err != nil {
			report.InstallErr = err
			Logger().Warn("dependency install failed",
				zap.Strings("packages", union),
				zap.Error(err))
		} else {
			report.Installed = rep
			if !rep.Ok() {
				Logger().Warn("some dependencies failed to install",
					zap.Strings("failed", rep.FailedNames()))
			}
		}
	}

	outputs := make([]string, len(elements))
	failures := make([]error, len(elements))

	var wg sync.WaitGroup
	for i, el := range elements {
		if el.Err != nil {
			failures[i] = el.Err
			continue
		}
		wg.Add(1)
		go func(i int, el Element) {
			defer wg.Done()
			out, err := r.RenderTemplate(ctx, el.Template, el.Context)
			if err != nil {
				failures[i] = err
				return
			}
			outputs[i] = out
		}(i, el)
	}
	wg.Wait()

	for i, el := range elements {
		if failures[i] == nil {
			report.Rendered++
			continue
		}
		report.Failed++
		Logger().Warn("element failed",
			zap.Int("element", el.Index),
			zap.String("tag", el.Tag),
			zap.Error(failures[i]))
		if cfg.onError != nil {
			cfg.onError(el, failures[i])
		}
		outputs[i] = el.Fallback
		if outputs[i] == "" {
			outputs[i] = cfg.errorText
		}
	}

	return rewrite(source, outputs), report
}

// Placeholders replaces every declared element's content with its
// loading text. Servers use it to paint an initial page before the
// runtime is ready.
func Placeholders(source string, opts ...Option) string {
	cfg := newConfig(opts)

	elements := Scan(source)
	if len(elements) == 0 {
		return source
	}
	texts := make([]string, len(elements))
	for i, el := range elements {
		texts[i] = el.Loading
		if texts[i] == "" {
			texts[i] = cfg.loadingText
		}
	}
	return rewrite(source, texts)
}

// packageUnion collects the declared packages of parseable elements,
// deduplicated in first-seen order.
func packageUnion(elements []Element) []string {
	var union []string
	seen := make(map[string]struct{})
	for _, el := range elements {
		if el.Err != nil {
			continue
		}
		for _, name := range el.Packages {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			union = append(union, name)
		}
	}
	return union
}

// rewrite emits the document with the i-th declared element's content
// replaced by replacements[i]. Declared elements are matched by the
// same traversal Scan uses, so indices line up.
func rewrite(source string, replacements []string) string {
	z := html.NewTokenizer(strings.NewReader(source))
	var out strings.Builder
	idx := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out.String()
		}
		raw := string(z.Raw())

		if tt == html.StartTagToken {
			tok := z.Token()
			if _, marked := attrValue(tok, AttrTemplate); marked && idx < len(replacements) {
				out.WriteString(raw)
				out.WriteString(replacements[idx])
				skipInner(z, &out)
				idx++
				continue
			}
		}
		out.WriteString(raw)
	}
}

// innerText collects the text content until the end tag matching an
// already-consumed start tag. Markup inside is dropped, entities are
// decoded.
func innerText(z *html.Tokenizer) string {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken:
			name, _ := z.TagName()
			if !voidElements[string(name)] {
				depth++
			}
		case html.EndTagToken:
			depth--
		}
	}
	return b.String()
}

// skipInner consumes tokens until the end tag matching an
// already-consumed start tag, emitting only that end tag.
func skipInner(z *html.Tokenizer, out *strings.Builder) {
	depth := 1
	for depth > 0 {
		switch z.Next() {
		case html.ErrorToken:
			return
		case html.StartTagToken:
			name, _ := z.TagName()
			if !voidElements[string(name)] {
				depth++
			}
		case html.EndTagToken:
			depth--
			if depth == 0 {
				out.Write(z.Raw())
			}
		}
	}
}

func attrValue(tok html.Token, name string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// voidElements never carry content, so they do not affect nesting
// depth while walking an element's inside.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true,
	"embed": true, "hr": true, "img": true, "input": true,
	"link": true, "meta": true, "source": true, "track": true, "wbr": true,
}
