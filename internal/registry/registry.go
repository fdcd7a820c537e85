// Package registry implements the Sandbox Registry & Reaper: a
// process-wide mapping from sandbox id to live record, guarded by a single
// lock, with both a per-sandbox expiry timer and an independent periodic
// sweep — either may close a given sandbox, and the race between them is
// made benign by keying teardown on an atomic unregister.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ajaxzhan/sandboxd/internal/logging"
	"github.com/ajaxzhan/sandboxd/pkg/types"
)

// TeardownFunc is invoked exactly once per sandbox, after it has been
// atomically removed from the registry, to release its session and
// directories.
type TeardownFunc func(id string)

type entry struct {
	sandbox *types.Sandbox
	timer   *time.Timer
}

// Registry is an injectable service with an explicit start/stop lifecycle,
// so tests and multiple instances can coexist rather than relying on a
// package-level singleton.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	teardown TeardownFunc

	idleBudget    time.Duration
	sweepInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Registry. teardown is called exactly once for a given
// sandbox id, whether closed explicitly, expired by its per-sandbox timer,
// or reaped by the periodic sweep.
func New(idleBudget, sweepInterval time.Duration, teardown TeardownFunc) *Registry {
	return &Registry{
		entries:       make(map[string]*entry),
		teardown:      teardown,
		idleBudget:    idleBudget,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the periodic sweep goroutine.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop halts the periodic sweep. It does not touch registered sandboxes.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Register adds sbx to the registry and schedules its per-sandbox expiry
// timer. Per invariant 5, callers must only register a sandbox once its
// session and directories are fully constructed.
func (r *Registry) Register(sbx *types.Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := time.AfterFunc(r.idleBudget, func() { r.expire(sbx.ID) })
	r.entries[sbx.ID] = &entry{sandbox: sbx, timer: timer}
}

// Lookup returns the sandbox record for id, if still registered.
func (r *Registry) Lookup(id string) (*types.Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.sandbox, true
}

// List returns a snapshot of every registered sandbox.
func (r *Registry) List() []*types.Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Sandbox, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.sandbox)
	}
	return out
}

// unregister atomically removes id from the registry, stopping its timer,
// and reports whether it was present. This is the single choke point that
// makes the timer/sweep/explicit-close race benign: only the caller that
// wins the removal runs teardown.
func (r *Registry) unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.entries, id)
	return true
}

// Close unregisters id synchronously; teardown runs in the background.
// Double-close is a no-op, since unregister only succeeds once.
func (r *Registry) Close(id string) {
	if r.unregister(id) {
		go r.teardown(id)
	}
}

// expire is invoked by a per-sandbox timer or the periodic sweep.
func (r *Registry) expire(id string) {
	if r.unregister(id) {
		logging.Info("sandbox expired", logging.String("sandbox_id", id))
		r.teardown(id)
	}
}

// sweepLoop is the defense-in-depth pass: it must produce the same outcome
// as the per-sandbox timer for any given sandbox, in case a timer was lost
// across a scheduler interruption.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	var expired []string

	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.sandbox.CreatedAt) >= r.idleBudget {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.expire(id)
	}
}
