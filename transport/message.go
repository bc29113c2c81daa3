package transport

import (
	"encoding/json"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

// Op is the operation tag carried on every request.
type Op string

const (
	OpBootstrap      Op = "bootstrap"
	OpRenderTemplate Op = "render-template"
	OpInstallPackage Op = "install-package"
	OpInstallBatch   Op = "install-packages-batch"
	OpRunCode        Op = "run-embedded-code"
	OpBatchRender    Op = "batch-render"
)

// Request is the outbound envelope. The id is generated by the client and
// echoed verbatim by the worker.
type Request struct {
	ID      int64           `json:"id,omitempty"`
	Type    Op              `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the inbound envelope. A reply with Progress set is an
// uncorrelated broadcast; a reply with an ID and no Progress settles the
// pending request with that id; a reply with neither is invalid and is
// ignored.
type Reply struct {
	ID       int64           `json:"id,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *WireError      `json:"error,omitempty"`
	Progress *Progress       `json:"progress,omitempty"`
}

// Progress is a broadcast emitted by the worker during bootstrap.
type Progress struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// WireError is the serializable form of a failure crossing the worker
// boundary.
type WireError struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Packages []string `json:"packages,omitempty"`
	Template string   `json:"template,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// ToWireError converts any error into its wire form. Errors that are not
// kind-tagged become initialization-kind (the worker ran into something
// outside the application taxonomy).
func ToWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var we WireError
	if e := asError(err); e != nil {
		we.Kind = string(e.Kind)
		we.Message = e.Message
		we.Packages = e.Packages
		we.Template = e.Template
		we.Detail = e.Detail
		if e.Cause != nil && we.Detail == "" {
			we.Detail = e.Cause.Error()
		}
		return &we
	}
	we.Kind = string(errors.KindInitialization)
	we.Message = err.Error()
	return &we
}

// Err converts the wire form back into a typed error.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	kind := errors.Kind(w.Kind)
	if kind == "" {
		kind = errors.KindInitialization
	}
	return &errors.Error{
		Kind:     kind,
		Message:  w.Message,
		Packages: w.Packages,
		Template: w.Template,
		Detail:   w.Detail,
	}
}

func asError(err error) *errors.Error {
	for err != nil {
		if e, ok := err.(*errors.Error); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Operation payloads and results. These are the shapes that cross the
// worker boundary; the serve command reuses them on its HTTP surface.

// BootstrapPayload carries the packages to install once the runtime is up.
type BootstrapPayload struct {
	Packages []string `json:"packages,omitempty"`
}

// RenderPayload asks the worker to render one template.
type RenderPayload struct {
	Template string         `json:"template"`
	Context  map[string]any `json:"context,omitempty"`
}

// RenderResult carries the rendered output.
type RenderResult struct {
	Output string `json:"output"`
}

// InstallPayload names the packages to install.
type InstallPayload struct {
	Packages []string `json:"packages"`
}

// InstallReport is the per-name outcome of an install operation.
type InstallReport struct {
	Installed []string          `json:"installed,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Ok reports whether every requested package installed.
func (r *InstallReport) Ok() bool {
	return len(r.Failed) == 0
}

// FailedNames returns the failed package names.
func (r *InstallReport) FailedNames() []string {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	return names
}

// Err returns an install-kind error naming the failed packages, or nil when
// everything installed.
func (r *InstallReport) Err() error {
	if r.Ok() {
		return nil
	}
	return errors.Install(r.FailedNames(), nil)
}

// CodePayload asks the worker to execute a snippet in the embedded runtime.
type CodePayload struct {
	Code string `json:"code"`
}

// CodeResult carries the captured output of executed code.
type CodeResult struct {
	Output string `json:"output"`
}

// BatchRenderPayload renders several templates in one request.
type BatchRenderPayload struct {
	Items []RenderPayload `json:"items"`
}

// BatchRenderItem is one outcome within a batch render. Exactly one of
// Output and Error is meaningful.
type BatchRenderItem struct {
	Output string     `json:"output,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// BatchRenderResult carries the per-item outcomes, index-aligned with the
// request items.
type BatchRenderResult struct {
	Items []BatchRenderItem `json:"items"`
}
