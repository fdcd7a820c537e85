// Package provision implements the Environment Provisioner: for each new
// sandbox it produces a working directory and a private interpreter
// environment directory by cloning the shared baseline, falling back to a
// fresh build when the baseline is absent or the clone fails.
package provision

import (
	"context"
	"embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ajaxzhan/sandboxd/internal/baseline"
	"github.com/ajaxzhan/sandboxd/internal/logging"
	"github.com/ajaxzhan/sandboxd/pkg/types"
)

//go:embed assets/*
var assetsFS embed.FS

// Provisioner creates the per-sandbox work_dir/env_dir pair.
type Provisioner struct {
	TmpRoot    string
	Baseline   *baseline.Builder
	PythonPath string
}

// NewProvisioner constructs a Provisioner rooted at tmpRoot, cloning from b.
func NewProvisioner(tmpRoot string, b *baseline.Builder) *Provisioner {
	return &Provisioner{TmpRoot: tmpRoot, Baseline: b, PythonPath: "python3"}
}

// Result is the pair of directories produced for one sandbox.
type Result struct {
	WorkDir string
	EnvDir  string
}

// Provision builds work_dir and env_dir for sandboxID. On any failure it
// removes whatever partial state it created and returns a Provisioning
// error — callers must never observe one directory without the other.
func (p *Provisioner) Provision(ctx context.Context, sandboxID string) (res Result, err error) {
	workDir, err := os.MkdirTemp(p.TmpRoot, "sandbox_"+sandboxID+"_")
	if err != nil {
		return Result{}, types.NewError(types.KindProvisioning, sandboxID, "Provision", fmt.Errorf("create work_dir: %w", err))
	}

	envDir, err := os.MkdirTemp(p.TmpRoot, "sandbox_venv_"+sandboxID+"_")
	if err != nil {
		os.RemoveAll(workDir)
		return Result{}, types.NewError(types.KindProvisioning, sandboxID, "Provision", fmt.Errorf("create env_dir: %w", err))
	}

	defer func() {
		if err != nil {
			os.RemoveAll(workDir)
			os.RemoveAll(envDir)
		}
	}()

	if err = p.populateEnv(ctx, envDir); err != nil {
		return Result{}, types.NewError(types.KindProvisioning, sandboxID, "Provision", err)
	}

	if err = p.copyAssets(workDir); err != nil {
		return Result{}, types.NewError(types.KindProvisioning, sandboxID, "Provision", err)
	}

	return Result{WorkDir: workDir, EnvDir: envDir}, nil
}

// populateEnv clones the baseline into envDir, or builds a fresh venv when
// the baseline is absent or the clone fails.
func (p *Provisioner) populateEnv(ctx context.Context, envDir string) error {
	if p.Baseline != nil && p.Baseline.Ready() {
		if err := copyTree(p.Baseline.Root, envDir); err == nil {
			if err := rewriteEnvPaths(envDir, p.Baseline.Root); err != nil {
				logging.Warn("baseline clone path rewrite failed, falling back to a fresh environment",
					logging.String("env_dir", envDir), logging.Err(err))
			} else {
				return nil
			}
		} else {
			logging.Warn("baseline clone failed, falling back to a fresh environment",
				logging.String("env_dir", envDir), logging.Err(err))
		}

		// Clear out whatever the failed clone left behind before building fresh.
		if err := os.RemoveAll(envDir); err != nil {
			return fmt.Errorf("clear failed clone: %w", err)
		}
		if err := os.MkdirAll(envDir, 0o755); err != nil {
			return fmt.Errorf("recreate env_dir: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, p.PythonPath, "-m", "venv", envDir)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build fresh env: %w", err)
	}
	return nil
}

// copyAssets copies the bundled auxiliary asset files (e.g. the font
// registration asset) into work_dir.
func (p *Provisioner) copyAssets(workDir string) error {
	entries, err := assetsFS.ReadDir("assets")
	if err != nil {
		return fmt.Errorf("read embedded assets: %w", err)
	}
	for _, e := range entries {
		data, err := assetsFS.ReadFile(filepath.Join("assets", e.Name()))
		if err != nil {
			return fmt.Errorf("read embedded asset %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(workDir, e.Name()), data, 0o644); err != nil {
			return fmt.Errorf("write asset %s: %w", e.Name(), err)
		}
	}
	return nil
}
