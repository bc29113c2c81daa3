package engine

import (
	"context"
	"testing"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

func TestFakeRender(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		context map[string]any
		want    string
		wantErr bool
	}{
		{"plain text", "no placeholders", nil, "no placeholders", false},
		{"single value", "Hello {name}!", map[string]any{"name": "World"}, "Hello World!", false},
		{"two values", "{a}+{b}", map[string]any{"a": 1, "b": 2}, "1+2", false},
		{"missing key renders empty", "x{gone}y", nil, "xy", false},
		{"spaces inside braces", "{ name }", map[string]any{"name": "v"}, "v", false},
		{"unclosed placeholder", "broken {name", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFake()
			got, err := f.Render(context.Background(), tt.source, tt.context)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.KindOf(err) != errors.KindRender {
					t.Errorf("kind = %q, want %q", errors.KindOf(err), errors.KindRender)
				}
				return
			}
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFakeInstallFailure(t *testing.T) {
	f := NewFake()
	f.InstallErrs = map[string]string{"bad-pkg": "no wheel"}

	if err := f.Install(context.Background(), "good-pkg"); err != nil {
		t.Fatalf("Install(good-pkg): %v", err)
	}
	err := f.Install(context.Background(), "bad-pkg")
	if errors.KindOf(err) != errors.KindInstall {
		t.Fatalf("kind = %q, want %q", errors.KindOf(err), errors.KindInstall)
	}
	if f.InstallCalls("bad-pkg") != 1 || f.InstallCalls("good-pkg") != 1 {
		t.Errorf("install counters off: bad=%d good=%d",
			f.InstallCalls("bad-pkg"), f.InstallCalls("good-pkg"))
	}
}

func TestFakeCounters(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if err := f.Bootstrap(ctx, nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	f.Render(ctx, "a", nil)
	f.Render(ctx, "b", nil)
	f.Exec(ctx, "print()")
	f.Close()

	if f.BootstrapCalls() != 1 {
		t.Errorf("BootstrapCalls = %d, want 1", f.BootstrapCalls())
	}
	if f.RenderCalls() != 2 {
		t.Errorf("RenderCalls = %d, want 2", f.RenderCalls())
	}
	if f.ExecCalls() != 1 {
		t.Errorf("ExecCalls = %d, want 1", f.ExecCalls())
	}
	if !f.Closed() {
		t.Error("Closed = false after Close")
	}
}

func TestFakeBootstrapFailure(t *testing.T) {
	f := NewFake()
	f.BootstrapErr = errors.Initialization("runtime missing", nil)

	var steps []string
	err := f.Bootstrap(context.Background(), func(step, message string) {
		steps = append(steps, step)
	})
	if errors.KindOf(err) != errors.KindInitialization {
		t.Fatalf("kind = %q, want %q", errors.KindOf(err), errors.KindInitialization)
	}
	if f.BootstrapCalls() != 1 {
		t.Errorf("BootstrapCalls = %d, want 1", f.BootstrapCalls())
	}
	if len(steps) == 0 {
		t.Error("no progress reported")
	}
}
