package pypi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

const maxMetadataSize = 8 << 20

// release is one downloadable artifact of a package version.
type release struct {
	Filename    string `json:"filename"`
	PackageType string `json:"packagetype"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Digests     struct {
		SHA256 string `json:"sha256"`
	} `json:"digests"`
}

// projectInfo is the subset of the PyPI JSON API response we consume.
type projectInfo struct {
	Info struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		Summary      string   `json:"summary"`
		RequiresDist []string `json:"requires_dist"`
	} `json:"info"`
	URLs []release `json:"urls"`
}

// Metadata describes a package as reported by the index.
type Metadata struct {
	Name     string
	Version  string
	Summary  string
	Requires []string
	Wheel    string
	Size     int64
}

// fetchProject retrieves the index metadata for a package. version may
// be empty to select the latest release.
func (in *Installer) fetchProject(ctx context.Context, name, version string) (*projectInfo, error) {
	url := fmt.Sprintf("%s/pypi/%s/json", in.indexURL, name)
	if version != "" {
		url = fmt.Sprintf("%s/pypi/%s/%s/json", in.indexURL, name, version)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.InstallOne(name, fmt.Sprintf("build metadata request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindInstall, fmt.Sprintf("fetch metadata for %s", name), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		if version != "" {
			return nil, errors.InstallOne(name, fmt.Sprintf("version %s not found on index", version))
		}
		return nil, errors.InstallOne(name, "package not found on index")
	default:
		return nil, errors.InstallOne(name, fmt.Sprintf("index returned %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, errors.Wrap(errors.KindInstall, fmt.Sprintf("read metadata for %s", name), err)
	}

	var proj projectInfo
	if err := json.Unmarshal(body, &proj); err != nil {
		return nil, errors.Wrap(errors.KindInstall, fmt.Sprintf("decode metadata for %s", name), err)
	}
	return &proj, nil
}

// findWheel selects the pure-Python wheel from a release's artifacts.
// Wheels with native code have platform tags and are rejected upstream
// of extraction.
func findWheel(proj *projectInfo) (release, bool) {
	for _, r := range proj.URLs {
		if r.PackageType != "bdist_wheel" {
			continue
		}
		if strings.HasSuffix(r.Filename, "-py3-none-any.whl") ||
			strings.HasSuffix(r.Filename, "-py2.py3-none-any.whl") {
			return r, true
		}
	}
	return release{}, false
}

// Info looks up a package on the index without installing it.
func (in *Installer) Info(ctx context.Context, spec string) (*Metadata, error) {
	name, version, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}

	proj, err := in.fetchProject(ctx, name, version)
	if err != nil {
		return nil, err
	}

	md := &Metadata{
		Name:     proj.Info.Name,
		Version:  proj.Info.Version,
		Summary:  proj.Info.Summary,
		Requires: proj.Info.RequiresDist,
	}
	if wheel, ok := findWheel(proj); ok {
		md.Wheel = wheel.Filename
		md.Size = wheel.Size
	}
	return md, nil
}
