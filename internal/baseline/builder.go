// Package baseline builds the shared, read-only warm interpreter
// environment that new sandboxes clone from, per the Environment
// Provisioner's fast-path.
package baseline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ajaxzhan/sandboxd/internal/logging"
)

// Builder constructs, once per process lifetime, a venv pre-populated with
// a fixed package set.
type Builder struct {
	// Root is the well-known location of the baseline environment.
	Root string
	// Packages is the fixed, documented set of libraries installed into
	// every baseline.
	Packages []string
	// PythonPath is the interpreter used to create the venv.
	PythonPath string
}

// NewBuilder constructs a Builder with the given root and package set.
func NewBuilder(root string, packages []string) *Builder {
	return &Builder{
		Root:       root,
		Packages:   packages,
		PythonPath: "python3",
	}
}

// Ready reports whether a completed baseline already exists at Root.
func (b *Builder) Ready() bool {
	return manifestExists(b.Root)
}

// Ensure builds the baseline if it does not already exist. It is safe to
// call on every startup: if a baseline directory with a completed manifest
// is already present, it is reused untouched.
func (b *Builder) Ensure(ctx context.Context) error {
	if b.Ready() {
		logging.Info("baseline already built, reusing", logging.String("root", b.Root))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(b.Root), 0o755); err != nil {
		return fmt.Errorf("create baseline parent dir: %w", err)
	}

	// A half-built directory from a prior crashed attempt should not be
	// mistaken for a venv; start clean.
	if err := os.RemoveAll(b.Root); err != nil {
		return fmt.Errorf("clear stale baseline dir: %w", err)
	}

	venvCmd := exec.CommandContext(ctx, b.PythonPath, "-m", "venv", b.Root)
	var stderr bytes.Buffer
	venvCmd.Stderr = &stderr
	if err := venvCmd.Run(); err != nil {
		os.RemoveAll(b.Root)
		return fmt.Errorf("create baseline venv: %w: %s", err, stderr.String())
	}

	results := make([]PackageResult, 0, len(b.Packages))
	for _, pkg := range b.Packages {
		results = append(results, b.installOne(ctx, pkg))
	}

	if err := saveManifest(b.Root, &Manifest{BuiltAt: time.Now(), Packages: results}); err != nil {
		return fmt.Errorf("finalize baseline manifest: %w", err)
	}

	logging.Info("baseline build complete",
		logging.String("root", b.Root),
		logging.Int("packages", len(results)),
	)
	return nil
}

// installOne installs a single package into the baseline, logging and
// continuing on failure so a partial baseline is still usable — a failure
// here must never abort the rest of the build.
func (b *Builder) installOne(ctx context.Context, pkg string) PackageResult {
	pip := filepath.Join(b.Root, "bin", "pip")
	cmd := exec.CommandContext(ctx, pip, "install", pkg)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logging.Warn("baseline package install failed, skipping",
			logging.String("package", pkg),
			logging.Err(err),
		)
		return PackageResult{Name: pkg, Success: false, Error: stderr.String()}
	}
	return PackageResult{Name: pkg, Success: true}
}
