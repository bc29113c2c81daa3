package pypi

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

// namePattern matches valid package names per PEP 508.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// blockedPackages cannot be installed. They either need native extensions
// or spawn subprocesses, neither of which works inside the sandbox.
var blockedPackages = map[string]string{
	"numpy":        "requires native extensions",
	"pandas":       "requires native extensions",
	"scipy":        "requires native extensions",
	"pillow":       "requires native extensions",
	"psycopg2":     "requires native extensions",
	"mysqlclient":  "requires native extensions",
	"lxml":         "requires native extensions",
	"cryptography": "requires native extensions",
	"uwsgi":        "spawns processes",
	"gunicorn":     "spawns processes",
}

// parseSpec splits a requirement like "django==5.0.2" into name and
// version. A bare name selects the latest release.
func parseSpec(spec string) (name, version string, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", errors.InvalidInput("empty package spec")
	}

	name = spec
	if i := strings.Index(spec, "=="); i != -1 {
		name = strings.TrimSpace(spec[:i])
		version = strings.TrimSpace(spec[i+2:])
		if version == "" {
			return "", "", errors.InvalidInput("empty version in spec %q", spec)
		}
	}

	if strings.ContainsAny(name, ";|&$`<>") {
		return "", "", errors.InvalidInput("invalid package name %q", name)
	}
	if !namePattern.MatchString(name) {
		return "", "", errors.InvalidInput("invalid package name %q", name)
	}
	return name, version, nil
}

// normalize maps a package name to its canonical form: lowercase with
// runs of separators collapsed to a single dash (PEP 503).
func normalize(name string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// checkInstallable rejects blocked packages.
func checkInstallable(name string) error {
	if reason, blocked := blockedPackages[normalize(name)]; blocked {
		return errors.InstallOne(name, fmt.Sprintf("package blocked: %s", reason))
	}
	return nil
}

// parseRequirement extracts the bare package name from a Requires-Dist
// entry such as `asgiref>=3.6.0` or `tzdata; sys_platform == "win32"`.
// Entries guarded by an environment marker are skipped (empty name):
// extras and platform-specific dependencies do not apply here.
func parseRequirement(req string) string {
	if i := strings.IndexByte(req, ';'); i != -1 {
		return ""
	}
	req = strings.TrimSpace(req)
	end := len(req)
	for i, r := range req {
		if r == ' ' || r == '(' || r == '[' || r == '<' || r == '>' || r == '=' || r == '!' || r == '~' {
			end = i
			break
		}
	}
	name := strings.TrimSpace(req[:end])
	if !namePattern.MatchString(name) {
		return ""
	}
	return name
}
