package pypi

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

// downloadWheel fetches a wheel archive. The URL host must be on the
// allow list and the body is capped at the configured size.
func (in *Installer) downloadWheel(ctx context.Context, name string, rel release) ([]byte, error) {
	parsed, err := url.Parse(rel.URL)
	if err != nil {
		return nil, errors.InstallOne(name, fmt.Sprintf("invalid wheel url %q", rel.URL))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.InstallOne(name, fmt.Sprintf("wheel url scheme must be http or https, got %q", parsed.Scheme))
	}
	if !in.hostAllowed(parsed.Hostname()) {
		return nil, errors.InstallOne(name, fmt.Sprintf("wheel host not allowed: %s", parsed.Hostname()))
	}
	if rel.Size > in.maxWheelSize {
		return nil, errors.InstallOne(name, fmt.Sprintf("wheel is %d bytes, limit is %d", rel.Size, in.maxWheelSize))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.URL, nil)
	if err != nil {
		return nil, errors.InstallOne(name, fmt.Sprintf("build wheel request: %v", err))
	}

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindInstall, fmt.Sprintf("download wheel for %s", name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.InstallOne(name, fmt.Sprintf("wheel download returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, in.maxWheelSize+1))
	if err != nil {
		return nil, errors.Wrap(errors.KindInstall, fmt.Sprintf("read wheel for %s", name), err)
	}
	if int64(len(data)) > in.maxWheelSize {
		return nil, errors.InstallOne(name, fmt.Sprintf("wheel exceeds size limit of %d bytes", in.maxWheelSize))
	}

	if rel.Digests.SHA256 != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != rel.Digests.SHA256 {
			return nil, errors.InstallOne(name, "wheel checksum mismatch")
		}
	}
	return data, nil
}

func (in *Installer) hostAllowed(host string) bool {
	for _, allowed := range in.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// extractWheel unpacks a wheel archive into dir. Wheels are plain zip
// files. Archives containing native extension modules are rejected
// since the embedded interpreter cannot load them, and entries that
// would escape dir are refused.
func extractWheel(name string, data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.Wrap(errors.KindInstall, fmt.Sprintf("open wheel for %s", name), err)
	}

	for _, f := range zr.File {
		switch filepath.Ext(f.Name) {
		case ".so", ".pyd", ".dylib":
			return errors.InstallOne(name, fmt.Sprintf("not a pure Python wheel: contains %s", f.Name))
		}
	}

	root := filepath.Clean(dir)
	for _, f := range zr.File {
		if isDataDir(f.Name) {
			continue
		}

		dest := filepath.Join(root, filepath.FromSlash(f.Name))
		if dest != root && !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
			return errors.InstallOne(name, fmt.Sprintf("archive entry escapes target directory: %s", f.Name))
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return errors.Wrap(errors.KindInstall, fmt.Sprintf("extract %s", name), err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return errors.Wrap(errors.KindInstall, fmt.Sprintf("extract %s", name), err)
		}
		if err := writeEntry(f, dest); err != nil {
			return errors.Wrap(errors.KindInstall, fmt.Sprintf("extract %s from %s", f.Name, name), err)
		}
	}
	return nil
}

// isDataDir reports whether a wheel entry lives under a *.data/
// directory. Those hold scripts and headers that have no use on the
// import path.
func isDataDir(entry string) bool {
	first := entry
	if i := strings.IndexByte(entry, '/'); i != -1 {
		first = entry[:i]
	}
	return strings.HasSuffix(first, ".data")
}

func writeEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
