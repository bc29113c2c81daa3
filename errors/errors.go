package errors

import (
	"fmt"
	"strings"
)

// Kind categorizes the error. The set is closed: every failure surfaced by
// the public API carries exactly one of these.
type Kind string

const (
	// KindInitialization covers worker startup and transport failures: the
	// worker failed to start, the runtime failed to bootstrap, or the
	// channel to the worker broke. Fatal to the controller instance.
	KindInitialization Kind = "initialization"

	// KindInstall means one or more named packages failed to install.
	// Non-fatal; the failed names are carried on the error.
	KindInstall Kind = "install"

	// KindRender means the embedded engine rejected a specific template.
	// Non-fatal; scoped to one render call.
	KindRender Kind = "render"

	// KindExec means embedded code execution raised. Non-fatal; scoped to
	// one call.
	KindExec Kind = "exec"

	// KindTimeout means no reply arrived within the allotted window.
	// Non-fatal; scoped to one call.
	KindTimeout Kind = "timeout"

	// KindInvalidInput marks malformed local input, such as an element
	// attribute that fails to parse as JSON.
	KindInvalidInput Kind = "invalid_input"

	// KindNotInitialized marks a call made before any initialization was
	// started.
	KindNotInitialized Kind = "not_initialized"
)

// Error is the structured error type used throughout the module.
type Error struct {
	Kind     Kind
	Message  string
	Cause    error
	Packages []string // failed package names for KindInstall
	Template string   // offending template source for KindRender
	Detail   string   // remote error message or trace, if available
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	b.WriteString(e.Message)

	if len(e.Packages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Packages, ", "))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two Errors match when their
// kinds match, so errors.Is(err, &Error{Kind: KindTimeout}) tests the kind
// regardless of message.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of err if it is (or wraps) an *Error, and "" otherwise.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Fatal reports whether err poisons the controller: the caller must tear
// down and re-initialize rather than retry in place.
func Fatal(err error) bool {
	return KindOf(err) == KindInitialization
}

// Convenience constructors for the taxonomy.

// Initialization creates a worker startup or transport failure error.
func Initialization(msg string, cause error) *Error {
	return &Error{Kind: KindInitialization, Message: msg, Cause: cause}
}

// NotInitialized creates an error for a call made before init was started.
func NotInitialized(op string) *Error {
	return &Error{
		Kind:    KindNotInitialized,
		Message: fmt.Sprintf("%s called before initialization", op),
	}
}

// Install creates a package installation error carrying the failed names.
func Install(failed []string, cause error) *Error {
	return &Error{
		Kind:     KindInstall,
		Message:  "package installation failed",
		Packages: failed,
		Cause:    cause,
	}
}

// InstallOne creates an installation error for a single package.
func InstallOne(name, detail string) *Error {
	return &Error{
		Kind:     KindInstall,
		Message:  "package installation failed",
		Packages: []string{name},
		Detail:   detail,
	}
}

// Render creates a template rendering error. Template is the offending
// source; detail carries the remote message or trace when available.
func Render(template, detail string, cause error) *Error {
	return &Error{
		Kind:     KindRender,
		Message:  "template rendering failed",
		Template: template,
		Detail:   detail,
		Cause:    cause,
	}
}

// Exec creates a code execution error.
func Exec(detail string, cause error) *Error {
	return &Error{
		Kind:    KindExec,
		Message: "code execution failed",
		Detail:  detail,
		Cause:   cause,
	}
}

// Timeout creates a timeout error for the named operation.
func Timeout(op string, cause error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s timed out", op),
		Cause:   cause,
	}
}

// InvalidInput creates a malformed-input error.
func InvalidInput(msg string, args ...any) *Error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{Kind: KindInvalidInput, Message: msg}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// returns nil.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}
