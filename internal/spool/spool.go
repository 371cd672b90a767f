// Package spool implements the local staging directory where downloaded
// artifacts land before upload.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Dir stages artifact downloads on the local filesystem. Files are written
// to a temp name and renamed into place so a partially written spool file
// is never observed.
type Dir struct {
	baseDir string
}

// New creates the staging directory if needed.
func New(baseDir string) (*Dir, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("spool base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Dir{baseDir: baseDir}, nil
}

// Write streams body into a spool file named for the artifact ID and
// returns the path plus the byte count.
func (d *Dir) Write(artifactID string, body io.Reader) (string, int64, error) {
	finalPath := d.Path(artifactID)

	tmp, err := os.CreateTemp(d.baseDir, artifactID+".partial-*")
	if err != nil {
		return "", 0, fmt.Errorf("create spool temp: %w", err)
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write spool file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("finalize spool file: %w", err)
	}
	return finalPath, size, nil
}

// Open returns a reader over a staged artifact.
func (d *Dir) Open(artifactID string) (*os.File, error) {
	f, err := os.Open(d.Path(artifactID))
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	return f, nil
}

// Remove deletes a staged artifact; missing files are not an error.
func (d *Dir) Remove(artifactID string) error {
	err := os.Remove(d.Path(artifactID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

// Path returns the staging path for an artifact ID.
func (d *Dir) Path(artifactID string) string {
	return filepath.Join(d.baseDir, artifactID+".pdf")
}
