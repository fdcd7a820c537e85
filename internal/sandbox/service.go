// Package sandbox orchestrates the Baseline Image Builder, Environment
// Provisioner, Kernel Session, Filesystem Gateway, and Sandbox Registry &
// Reaper behind the single operation set the RPC facade speaks to.
package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ajaxzhan/sandboxd/internal/fsgateway"
	"github.com/ajaxzhan/sandboxd/internal/kernel"
	"github.com/ajaxzhan/sandboxd/internal/logging"
	"github.com/ajaxzhan/sandboxd/internal/metrics"
	"github.com/ajaxzhan/sandboxd/internal/provision"
	"github.com/ajaxzhan/sandboxd/internal/registry"
	"github.com/ajaxzhan/sandboxd/pkg/types"
	"github.com/google/uuid"
)

// SessionFactory starts a Kernel Session for a newly provisioned sandbox.
// Production code points this at kernel.Start; tests substitute a factory
// that returns *kernel.Mock.
type SessionFactory func(ctx context.Context, sandboxID, workDir, envDir string) (kernel.Interface, error)

// Config bundles the Service's timeouts. StartTimeout is not among them:
// it only matters while a session is starting, so callers bake it into the
// SessionFactory closure instead of threading it through every operation.
type Config struct {
	ExecuteTimeout time.Duration
	InstallTimeout time.Duration
	IdleBudget     time.Duration
	SweepInterval  time.Duration
}

type handle struct {
	sandbox *types.Sandbox
	session kernel.Interface
	gateway *fsgateway.Gateway
}

// Service is the orchestration seam between the six components and the
// external RPC facade.
type Service struct {
	provisioner *provision.Provisioner
	factory     SessionFactory
	registry    *registry.Registry
	cfg         Config

	mu      sync.Mutex
	handles map[string]*handle
}

// New constructs a Service. The registry's teardown callback is wired back
// into the service so that explicit close, per-sandbox expiry, and the
// periodic sweep all converge on the same cleanup path.
func New(p *provision.Provisioner, factory SessionFactory, cfg Config) *Service {
	s := &Service{
		provisioner: p,
		factory:     factory,
		cfg:         cfg,
		handles:     make(map[string]*handle),
	}
	s.registry = registry.New(cfg.IdleBudget, cfg.SweepInterval, s.teardown)
	return s
}

// Start launches the registry's periodic sweep.
func (s *Service) Start(ctx context.Context) {
	s.registry.Start(ctx)
}

// Stop halts the periodic sweep without tearing down live sandboxes.
func (s *Service) Stop() {
	s.registry.Stop()
}

// Create provisions a fresh sandbox, starts its kernel session, and
// registers it. Per invariant 5, any failure after provisioning tears down
// whatever was built before surfacing the error.
func (s *Service) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()

	res, err := s.provisioner.Provision(ctx, id)
	if err != nil {
		return "", err
	}

	session, err := s.factory(ctx, id, res.WorkDir, res.EnvDir)
	if err != nil {
		os.RemoveAll(res.WorkDir)
		os.RemoveAll(res.EnvDir)
		return "", err
	}

	gw, err := fsgateway.New(id, res.WorkDir)
	if err != nil {
		session.Shutdown()
		return "", types.NewError(types.KindProvisioning, id, "Create", err)
	}

	sbx := &types.Sandbox{ID: id, CreatedAt: time.Now(), WorkDir: res.WorkDir, EnvDir: res.EnvDir}

	s.mu.Lock()
	s.handles[id] = &handle{sandbox: sbx, session: session, gateway: gw}
	s.mu.Unlock()

	s.registry.Register(sbx)

	return id, nil
}

func (s *Service) get(id string) (*handle, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.KindUnknown, id, "lookup", errors.New("no sandbox with this id"))
	}
	return h, nil
}

// Execute forwards code to the sandbox's session.
func (s *Service) Execute(ctx context.Context, id, code string) (*types.ExecutionRecord, error) {
	h, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return h.session.Execute(ctx, code, s.cfg.ExecuteTimeout)
}

// Install forwards a package name to the sandbox's session.
func (s *Service) Install(ctx context.Context, id, pkg string) (*types.InstallResult, error) {
	h, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return h.session.Install(ctx, pkg, s.cfg.InstallTimeout)
}

// Upload writes src into the sandbox's work_dir.
func (s *Service) Upload(id string, src io.Reader, relPath, defaultName string) (string, error) {
	h, err := s.get(id)
	if err != nil {
		return "", err
	}
	return h.gateway.Upload(src, relPath, defaultName)
}

// ListFiles lists regular files under the sandbox's work_dir.
func (s *Service) ListFiles(id string) ([]types.FileEntry, error) {
	h, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return h.gateway.List()
}

// Download resolves relPath to an absolute, containment-checked path.
func (s *Service) Download(id, relPath string) (string, error) {
	h, err := s.get(id)
	if err != nil {
		return "", err
	}
	return h.gateway.Resolve(relPath)
}

// Close removes id's handle synchronously, so that any Execute/Install/etc.
// landing after Close returns observes KindUnknown rather than racing a
// session that is shutting down. The registry's own bookkeeping and the
// actual session/directory teardown happen in the background; calling
// Close again on an id already removed here reports KindUnknown.
func (s *Service) Close(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if !ok {
		return types.NewError(types.KindUnknown, id, "Close", errors.New("no sandbox with this id"))
	}

	s.registry.Close(id)
	go func() {
		if err := h.session.Shutdown(); err != nil {
			logging.Warn("session shutdown reported an error", logging.String("sandbox_id", id), logging.Err(err))
		}
	}()
	return nil
}

// ListSandboxes returns every live sandbox's creation time.
func (s *Service) ListSandboxes() map[string]types.Info {
	out := make(map[string]types.Info)
	for _, sbx := range s.registry.List() {
		out[sbx.ID] = types.Info{CreatedAt: sbx.CreatedAt}
	}
	return out
}

// teardown is the registry's single choke point for releasing a sandbox's
// resources, reached from per-sandbox expiry or the periodic sweep, and
// from the registry's own bookkeeping after an explicit Close. Close
// already removes the handle synchronously, so by the time teardown runs
// for an explicitly-closed id the lookup misses and this is a no-op —
// only a genuine expiry/sweep teardown reaches the metrics below.
func (s *Service) teardown(id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	metrics.SandboxesExpired.Inc()
	metrics.SandboxesLive.Dec()
	if err := h.session.Shutdown(); err != nil {
		logging.Warn("session shutdown reported an error", logging.String("sandbox_id", id), logging.Err(err))
	}
}
