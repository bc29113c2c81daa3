// Package pypi installs pure-Python wheels from a package index into a
// local directory that the embedded interpreter mounts as its import
// path. There is no pip involved: the host fetches wheel archives over
// the PyPI JSON API and unpacks them itself, which is the only way to
// add packages to a runtime that cannot spawn processes.
package pypi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

const (
	// DefaultIndexURL is the package index queried for metadata.
	DefaultIndexURL = "https://pypi.org"
	// DefaultMaxWheelSize caps individual wheel downloads.
	DefaultMaxWheelSize = 64 << 20
	// DefaultRequestTimeout bounds each index or download request.
	DefaultRequestTimeout = 60 * time.Second
)

// defaultAllowedHosts are the hosts wheel downloads may come from.
var defaultAllowedHosts = []string{"pypi.org", "files.pythonhosted.org"}

// Package describes one installed wheel.
type Package struct {
	Name    string
	Version string
	Wheel   string
	Size    int64
}

// Installer downloads and unpacks wheels into a packages directory.
// Methods are safe for sequential use; the worker serializes installs.
type Installer struct {
	dir          string
	indexURL     string
	allowedHosts []string
	maxWheelSize int64
	client       *http.Client
}

// Option adjusts an Installer.
type Option func(*Installer)

// WithIndexURL points the installer at a different package index.
func WithIndexURL(url string) Option {
	return func(in *Installer) { in.indexURL = strings.TrimRight(url, "/") }
}

// WithAllowedHosts replaces the wheel download host allow list.
func WithAllowedHosts(hosts ...string) Option {
	return func(in *Installer) { in.allowedHosts = hosts }
}

// WithMaxWheelSize caps wheel downloads at n bytes.
func WithMaxWheelSize(n int64) Option {
	return func(in *Installer) { in.maxWheelSize = n }
}

// WithHTTPClient substitutes the HTTP client used for index and wheel
// requests.
func WithHTTPClient(c *http.Client) Option {
	return func(in *Installer) { in.client = c }
}

// NewInstaller returns an Installer rooted at dir, creating it if
// needed.
func NewInstaller(dir string, opts ...Option) (*Installer, error) {
	if dir == "" {
		return nil, errors.InvalidInput("packages directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(errors.KindInstall, "resolve packages directory", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrap(errors.KindInstall, "create packages directory", err)
	}

	in := &Installer{
		dir:          abs,
		indexURL:     DefaultIndexURL,
		allowedHosts: defaultAllowedHosts,
		maxWheelSize: DefaultMaxWheelSize,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.client == nil {
		in.client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return in, nil
}

// Dir returns the directory wheels are unpacked into.
func (in *Installer) Dir() string {
	return in.dir
}

// Install fetches a package and its applicable dependencies and unpacks
// them into the packages directory. spec is a name with an optional
// pinned version, like "django" or "django==5.0.2".
func (in *Installer) Install(ctx context.Context, spec string) (*Package, error) {
	name, version, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}
	if err := checkInstallable(name); err != nil {
		return nil, err
	}

	proj, err := in.fetchProject(ctx, name, version)
	if err != nil {
		return nil, err
	}

	wheel, ok := findWheel(proj)
	if !ok {
		return nil, errors.InstallOne(name, "no pure Python wheel available")
	}

	Logger().Debug("downloading wheel",
		zap.String("package", name),
		zap.String("wheel", wheel.Filename),
		zap.Int64("size", wheel.Size))

	data, err := in.downloadWheel(ctx, name, wheel)
	if err != nil {
		return nil, err
	}
	if err := extractWheel(name, data, in.dir); err != nil {
		return nil, err
	}

	// The package itself is on disk before its dependencies are
	// resolved, so requirement cycles terminate at IsInstalled.
	for _, req := range proj.Info.RequiresDist {
		dep := parseRequirement(req)
		if dep == "" || in.IsInstalled(dep) {
			continue
		}
		if _, err := in.Install(ctx, dep); err != nil {
			return nil, errors.Wrap(errors.KindInstall,
				fmt.Sprintf("install dependency %s of %s", dep, name), err)
		}
	}

	pkg := &Package{
		Name:    proj.Info.Name,
		Version: proj.Info.Version,
		Wheel:   wheel.Filename,
		Size:    int64(len(data)),
	}
	Logger().Info("installed package",
		zap.String("package", pkg.Name),
		zap.String("version", pkg.Version))
	return pkg, nil
}

// IsInstalled reports whether a package has already been unpacked into
// the packages directory, identified by its dist-info directory.
func (in *Installer) IsInstalled(name string) bool {
	prefix := strings.ReplaceAll(normalize(name), "-", "_") + "-"
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".dist-info") &&
			strings.HasPrefix(strings.ToLower(e.Name()), prefix) {
			return true
		}
	}
	return false
}

// Installed lists the packages present in the packages directory as
// name==version pairs, sorted by name.
func (in *Installer) Installed() []string {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil
	}

	var pkgs []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".dist-info")
		name, version, ok := strings.Cut(stem, "-")
		if !ok {
			continue
		}
		pkgs = append(pkgs, fmt.Sprintf("%s==%s", strings.ReplaceAll(name, "_", "-"), version))
	}
	sort.Strings(pkgs)
	return pkgs
}
