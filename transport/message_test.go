package transport

import (
	"encoding/json"
	stderrors "errors"
	"sort"
	"testing"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

func TestWireErrorRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind errors.Kind
	}{
		{"render", errors.Render("{% bad %}", "Invalid block tag", nil), errors.KindRender},
		{"install", errors.Install([]string{"numpy"}, nil), errors.KindInstall},
		{"timeout", errors.Timeout("render-template", nil), errors.KindTimeout},
		{"untyped", stderrors.New("worker exploded"), errors.KindInitialization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			we := ToWireError(tt.err)
			if we == nil {
				t.Fatal("ToWireError returned nil")
			}

			data, err := json.Marshal(we)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded WireError
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			back := decoded.Err()
			if got := errors.KindOf(back); got != tt.wantKind {
				t.Errorf("kind = %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestWireErrorCarriesContext(t *testing.T) {
	we := ToWireError(errors.Render("{{ broken }", "unexpected end of tag", nil))
	if we.Template != "{{ broken }" {
		t.Errorf("template = %q, want the offending source", we.Template)
	}
	if we.Detail != "unexpected end of tag" {
		t.Errorf("detail = %q", we.Detail)
	}

	we = ToWireError(errors.Install([]string{"numpy", "pandas"}, nil))
	if len(we.Packages) != 2 {
		t.Errorf("packages = %v, want two names", we.Packages)
	}
}

func TestToWireErrorNil(t *testing.T) {
	if we := ToWireError(nil); we != nil {
		t.Errorf("ToWireError(nil) = %v, want nil", we)
	}
	var w *WireError
	if err := w.Err(); err != nil {
		t.Errorf("nil WireError.Err() = %v, want nil", err)
	}
}

func TestInstallReport(t *testing.T) {
	ok := &InstallReport{Installed: []string{"django"}}
	if !ok.Ok() {
		t.Error("report with no failures should be Ok")
	}
	if err := ok.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	bad := &InstallReport{
		Installed: []string{"markdown"},
		Failed:    map[string]string{"numpy": "requires C extensions", "torch": "requires C extensions"},
	}
	if bad.Ok() {
		t.Error("report with failures should not be Ok")
	}

	names := bad.FailedNames()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "numpy" || names[1] != "torch" {
		t.Errorf("failed names = %v", names)
	}

	err := bad.Err()
	if errors.KindOf(err) != errors.KindInstall {
		t.Errorf("kind = %q, want %q", errors.KindOf(err), errors.KindInstall)
	}
}

func TestProgressPrecedence(t *testing.T) {
	// A reply carrying both an id and progress is a broadcast, not a
	// correlated reply.
	port := newFakePort()

	got := make(chan Progress, 1)
	c := NewClient(port, WithProgressHandler(func(p Progress) {
		got <- p
	}))
	defer c.Close()

	port.reply(Reply{ID: 7, Progress: &Progress{Step: "configuring", Message: "django.setup()"}})

	p := <-got
	if p.Step != "configuring" {
		t.Errorf("step = %q, want %q", p.Step, "configuring")
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", c.PendingCount())
	}
}
