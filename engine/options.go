package engine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joshuadavidthomas/django-bird-playground/pypi"
)

type pythonConfig struct {
	runtimePath      string
	packagesDir      string
	baseline         []string
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	commandTimeout   time.Duration
	readyTimeout     time.Duration
	env              map[string]string
	installer        *pypi.Installer
}

func defaultPythonConfig() pythonConfig {
	return pythonConfig{
		runtimePath:    DefaultRuntimePath(),
		packagesDir:    ".django-bird/packages",
		baseline:       []string{"django"},
		commandTimeout: 30 * time.Second,
		readyTimeout:   120 * time.Second,
		env:            make(map[string]string),
	}
}

// PythonOption configures the Python engine at creation time.
type PythonOption func(*pythonConfig)

// WithRuntimePath sets the path of the Python WASM binary.
func WithRuntimePath(path string) PythonOption {
	return func(c *pythonConfig) {
		c.runtimePath = path
	}
}

// WithPackagesDir sets the directory wheels are installed into. The guest
// sees it mounted at /packages.
func WithPackagesDir(dir string) PythonOption {
	return func(c *pythonConfig) {
		c.packagesDir = dir
	}
}

// WithBaselinePackages overrides the packages installed during bootstrap
// before the runtime starts. The default is django alone.
func WithBaselinePackages(names ...string) PythonOption {
	return func(c *pythonConfig) {
		c.baseline = names
	}
}

// WithDiskCache enables a persistent compilation cache for faster startup.
// Optionally provide a custom directory; otherwise a cache directory under
// the user cache dir is used.
func WithDiskCache(dir ...string) PythonOption {
	return func(c *pythonConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to the runtime.
// Each page is 64KB. Zero means the wazero default.
func WithMemoryLimit(pages uint32) PythonOption {
	return func(c *pythonConfig) {
		c.memoryLimitPages = pages
	}
}

// WithCommandTimeout bounds each render, install or exec command.
func WithCommandTimeout(d time.Duration) PythonOption {
	return func(c *pythonConfig) {
		c.commandTimeout = d
	}
}

// WithReadyTimeout bounds how long Bootstrap waits for the guest's ready
// signal.
func WithReadyTimeout(d time.Duration) PythonOption {
	return func(c *pythonConfig) {
		c.readyTimeout = d
	}
}

// WithEnv sets an environment variable for the guest.
func WithEnv(key, value string) PythonOption {
	return func(c *pythonConfig) {
		c.env[key] = value
	}
}

// WithInstaller provides a custom package installer. The default installs
// pure-Python wheels from PyPI into the packages directory.
func WithInstaller(inst *pypi.Installer) PythonOption {
	return func(c *pythonConfig) {
		c.installer = inst
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// DefaultRuntimePath resolves the Python WASM binary location: the
// DJANGO_BIRD_RUNTIME environment variable when set, then python.wasm
// under the user cache directory.
func DefaultRuntimePath() string {
	if p := os.Getenv("DJANGO_BIRD_RUNTIME"); p != "" {
		return p
	}
	return filepath.Join(defaultCacheDir(), "python.wasm")
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "django-bird")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "django-bird")
	}
	return filepath.Join(os.TempDir(), "django-bird-cache")
}
