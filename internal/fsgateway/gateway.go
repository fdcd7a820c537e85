// Package fsgateway implements the Filesystem Gateway: bounded
// upload/list/download over one sandbox's work_dir, with path-containment
// enforcement on the canonicalized prefix rather than the raw string.
package fsgateway

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajaxzhan/sandboxd/pkg/types"
)

// Gateway scopes every operation to one sandbox's work_dir.
type Gateway struct {
	sandboxID string
	root      string // canonical, symlink-resolved work_dir
}

// New constructs a Gateway rooted at workDir. The root is canonicalized
// once here (rather than per-call) so every containment check compares
// against the same resolved prefix.
func New(sandboxID, workDir string) (*Gateway, error) {
	root, err := canonical(workDir)
	if err != nil {
		return nil, fmt.Errorf("canonicalize work_dir: %w", err)
	}
	return &Gateway{sandboxID: sandboxID, root: root}, nil
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (e.g. an upload target's parent
		// directories haven't been created); fall back to the cleaned
		// absolute form, which is still safe for the prefix check below.
		return filepath.Clean(abs), nil
	}
	return resolved, nil
}

// contains reports whether target lies within g.root, comparing on the
// canonicalized prefix with an explicit path-separator boundary — a bare
// strings.HasPrefix would let a sibling directory that merely shares the
// prefix string (e.g. work_dir vs work_dir-evil) defeat containment.
func (g *Gateway) contains(target string) bool {
	if target == g.root {
		return true
	}
	return strings.HasPrefix(target, g.root+string(os.PathSeparator))
}

// Upload writes src to work_dir/relPath (or work_dir/<base of defaultName>
// if relPath is empty), creating intermediate directories, and returns the
// absolute path actually written.
func (g *Gateway) Upload(src io.Reader, relPath, defaultName string) (string, error) {
	if relPath == "" {
		relPath = filepath.Base(defaultName)
	}

	target := filepath.Join(g.root, relPath)
	resolvedTarget, err := canonical(filepath.Dir(target))
	if err != nil {
		return "", types.NewError(types.KindAccessDenied, g.sandboxID, "Upload", err)
	}
	if !g.contains(resolvedTarget) {
		return "", types.NewError(types.KindAccessDenied, g.sandboxID, "Upload", fmt.Errorf("path %q escapes work_dir", relPath))
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", types.NewError(types.KindAccessDenied, g.sandboxID, "Upload", err)
	}

	f, err := os.Create(target)
	if err != nil {
		return "", types.NewError(types.KindAccessDenied, g.sandboxID, "Upload", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}

	return target, nil
}

// List walks work_dir recursively, returning one entry per regular file.
func (g *Gateway) List() ([]types.FileEntry, error) {
	entries := []types.FileEntry{}
	err := filepath.Walk(g.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(g.root, path)
		if err != nil {
			return err
		}
		entries = append(entries, types.FileEntry{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list work_dir: %w", err)
	}
	return entries, nil
}

// Resolve computes the absolute path for relPath and rejects any result
// not lying within the canonical work_dir, regardless of ".." components
// or symlinks used to try to escape it.
func (g *Gateway) Resolve(relPath string) (string, error) {
	joined := filepath.Join(g.root, relPath)

	resolved, err := canonical(joined)
	if err != nil {
		return "", types.NewError(types.KindAccessDenied, g.sandboxID, "Resolve", err)
	}

	if !g.contains(resolved) {
		return "", types.NewError(types.KindAccessDenied, g.sandboxID, "Resolve", fmt.Errorf("path %q escapes work_dir", relPath))
	}

	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return "", types.NewError(types.KindNotFound, g.sandboxID, "Resolve", err)
		}
		return "", err
	}

	return resolved, nil
}
