// Package archive unpacks single-level zip archives.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// InvalidArchiveError is returned for files that are not well-formed zips, or that
// carry members which would land outside the extraction directory.
type InvalidArchiveError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidArchiveError) Error() string {
	return fmt.Sprintf("invalid archive %s: %s", filepath.Base(e.Path), e.Reason)
}

func (e *InvalidArchiveError) Unwrap() error {
	return e.Err
}

// IsArchive reports whether path opens as a zip.
func IsArchive(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}

	_ = r.Close()

	return true
}

// ExtractAll unpacks every member of the zip at path into destDir and returns the
// extracted regular files in archive order. Members are validated before anything
// is written.
func ExtractAll(path, destDir string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, &InvalidArchiveError{Path: path, Reason: "not a valid zip file", Err: err}
	}
	defer r.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve extraction dir: %w", err)
	}

	targets := make([]string, len(r.File))

	for i, f := range r.File {
		target, err := memberPath(root, f.Name)
		if err != nil {
			return nil, &InvalidArchiveError{Path: path, Reason: err.Error()}
		}

		targets[i] = target
	}

	var files []string

	for i, f := range r.File {
		mode := f.Mode()

		switch {
		case mode.IsDir():
			if err := os.MkdirAll(targets[i], 0o755); err != nil {
				return files, fmt.Errorf("failed to create %s: %w", targets[i], err)
			}
		case mode.IsRegular():
			if err := extractFile(f, targets[i]); err != nil {
				return files, err
			}

			files = append(files, targets[i])
		default:
			// symlinks and devices are skipped
		}
	}

	return files, nil
}

func memberPath(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("member %q has an absolute path", name)
	}

	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("member %q escapes the extraction directory", name)
	}

	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}

	rc, err := f.Open()
	if err != nil {
		return &InvalidArchiveError{Path: f.Name, Reason: "unreadable member", Err: err}
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()

		return &InvalidArchiveError{Path: f.Name, Reason: "corrupt member", Err: err}
	}

	return out.Close()
}
