package engine

import "context"

// ProgressFunc receives bootstrap stage notifications.
type ProgressFunc func(step, message string)

// Engine executes template renders and code inside an embedded runtime.
// Implementations are not required to be safe for concurrent calls; the
// worker serializes access.
type Engine interface {
	// Bootstrap performs the one-time heavyweight setup: acquiring the
	// runtime, installing the baseline packages and running the setup
	// code. It reports stages through report and must be called before
	// any other operation.
	Bootstrap(ctx context.Context, report ProgressFunc) error

	// Render renders one template source against a context mapping.
	Render(ctx context.Context, source string, context map[string]any) (string, error)

	// Install makes the named package importable by subsequent renders.
	Install(ctx context.Context, name string) error

	// Exec runs a code snippet in the embedded runtime and returns its
	// captured output.
	Exec(ctx context.Context, code string) (string, error)

	// Close releases the runtime. It is safe to call more than once and
	// after a failed Bootstrap.
	Close() error
}
