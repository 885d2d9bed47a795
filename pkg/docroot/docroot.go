// Package docroot resolves the local directory static files are served from.
//
// The server maps files straight from disk, so every Source ends up as a
// local directory. A Filesystem source is just an existing directory; an S3
// source mirrors a bucket prefix into a local cache directory first.
package docroot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Source prepares a document root.
type Source interface {
	// Prepare makes the document root available locally and returns its
	// absolute path.
	Prepare(ctx context.Context) (string, error)

	// Name identifies the source type in logs.
	Name() string
}

// Filesystem serves an existing local directory.
type Filesystem struct {
	Path string
}

// NewFilesystem returns a Source for the directory at path.
func NewFilesystem(path string) *Filesystem {
	return &Filesystem{Path: path}
}

func (f *Filesystem) Name() string { return "filesystem" }

// Prepare checks that the directory exists and returns its absolute path.
func (f *Filesystem) Prepare(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.Path == "" {
		return "", fmt.Errorf("filesystem document root: path is required")
	}

	abs, err := filepath.Abs(f.Path)
	if err != nil {
		return "", fmt.Errorf("resolve document root %s: %w", f.Path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("document root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("document root %s is not a directory", abs)
	}
	return abs, nil
}

// localPath maps a relative slash-separated name under root, refusing names
// that would land outside it.
func localPath(root, name string) (string, error) {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "", fmt.Errorf("empty name")
	}

	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("name %q escapes the document root", name)
		}
	}

	p := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("name %q escapes the document root", name)
	}
	return p, nil
}
