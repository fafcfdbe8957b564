// Package ingest turns the user's input (a directory of DICOM slices, a zip
// archive on disk, or a zip archive held in memory) into a directory of
// slice files ready for conversion.
package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dcmseg/pkg/errs"
	"dcmseg/pkg/logger"
)

// DefaultSubdir is the folder under the scratch directory that receives
// extracted archive contents.
const DefaultSubdir = "extracted_dcm"

// Input describes the series to resolve. Exactly one of Path or Data is set.
type Input struct {
	// Path is a directory of slices or a zip archive.
	Path string

	// Data is an in-memory zip archive.
	Data []byte
}

type options struct {
	subdir string
	log    *logger.Logger
}

// Option customises ResolveInput.
type Option func(*options)

// WithSubdir extracts archives into scratchDir/name instead of DefaultSubdir.
func WithSubdir(name string) Option {
	return func(o *options) { o.subdir = name }
}

// WithLogger sets the logger used for progress messages.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// ResolveInput returns the directory holding the slices of in. Archives are
// recognised by their structure, not their extension, and are extracted
// into scratchDir, which is then required. The archive itself is left in
// place.
func ResolveInput(in Input, scratchDir string, opts ...Option) (string, error) {
	o := options{subdir: DefaultSubdir}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrNop(o.log)

	if in.Path != "" && in.Data != nil {
		return "", fmt.Errorf("%w: input has both a path and in-memory data", errs.ErrInvalidInput)
	}

	if in.Data != nil {
		if scratchDir == "" {
			return "", fmt.Errorf("%w: a scratch directory is required for an in-memory zip archive", errs.ErrConfiguration)
		}
		zr, err := zip.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
		if err != nil {
			return "", fmt.Errorf("%w: in-memory data is not a zip archive: %v", errs.ErrInvalidInput, err)
		}
		dest := filepath.Join(scratchDir, o.subdir)
		log.Info("Extracting in-memory zip archive", "dest", dest, "entries", len(zr.File))
		if err := extract(zr, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	if in.Path == "" {
		return "", fmt.Errorf("%w: input has neither a path nor data", errs.ErrInvalidInput)
	}
	info, err := os.Stat(in.Path)
	if err != nil {
		return "", fmt.Errorf("error reading input %s: %w", in.Path, err)
	}
	if info.IsDir() {
		return in.Path, nil
	}

	zr, err := zip.OpenReader(in.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s is neither a directory nor a zip archive", errs.ErrInvalidInput, in.Path)
	}
	defer zr.Close()

	if scratchDir == "" {
		return "", fmt.Errorf("%w: a scratch directory is required when the input %s is a zip archive", errs.ErrConfiguration, in.Path)
	}
	dest := filepath.Join(scratchDir, o.subdir)
	log.Info("Extracting zip archive", "archive", in.Path, "dest", dest, "entries", len(zr.File))
	if err := extract(&zr.Reader, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// IsZip reports whether the file at path is a readable zip archive.
func IsZip(path string) bool {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	zr.Close()
	return true
}

func extract(zr *zip.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("error creating extraction directory: %w", err)
	}
	clean := filepath.Clean(dest)
	root := clean + string(os.PathSeparator)

	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		if target != clean && !strings.HasPrefix(target, root) {
			return fmt.Errorf("%w: archive entry %q escapes the extraction directory", errs.ErrInvalidInput, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("error extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
