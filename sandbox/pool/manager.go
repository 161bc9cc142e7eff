package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/util/workqueue"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/language"
	"github.com/kilnrun/kiln/sandbox"
	"github.com/kilnrun/kiln/support/config"
)

// SidecarAPI is the slice of the sidecar client the manager needs.
type SidecarAPI interface {
	Prober
	Execute(ctx context.Context, handle *sandbox.Handle, req api.SidecarExecuteRequest, timeout time.Duration) (*api.SidecarExecuteResponse, error)
	UploadFiles(ctx context.Context, handle *sandbox.Handle, files []api.RequestFile) error
}

// ManagerStats aggregates every pool plus the on-demand registry.
type ManagerStats struct {
	Enabled   bool    `json:"enabled"`
	Pools     []Stats `json:"pools"`
	OnDemand  int     `json:"on_demand"`
	TotalWarm int     `json:"total_warm"`
	TotalPods int     `json:"total_pods"`
}

// Manager owns one pool per warm-pool language and an on-demand registry
// for everything else.
type Manager struct {
	cfg     *config.Config
	reg     *language.Registry
	factory Creator
	sidecar SidecarAPI
	rec     Recorder
	log     logr.Logger

	pools map[string]*Pool

	mu       sync.Mutex
	onDemand map[string]*sandbox.Handle
}

func NewManager(cfg *config.Config, reg *language.Registry, factory Creator, sidecar SidecarAPI, rec Recorder, log logr.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		factory:  factory,
		sidecar:  sidecar,
		rec:      rec,
		log:      log.WithName("poolmanager"),
		pools:    make(map[string]*Pool),
		onDemand: make(map[string]*sandbox.Handle),
	}
	if !cfg.PoolEnabled {
		return m
	}
	for _, code := range reg.Codes() {
		size := cfg.PoolSizes[code]
		if size <= 0 {
			continue
		}
		lang, _ := reg.Get(code)
		m.pools[code] = New(lang, Options{
			Target:            size,
			ParallelBatch:     cfg.ParallelBatch,
			ExhaustionTrigger: cfg.ExhaustionTrigger,
			ReplenishInterval: cfg.ReplenishInterval,
			HealthInterval:    cfg.HealthInterval,
			WarmupOnStart:     cfg.WarmupOnStartup,
		}, factory, sidecar, rec, log)
	}
	return m
}

// Start warms every pool concurrently and returns once all initial fills
// have completed.
func (m *Manager) Start(ctx context.Context) {
	var g errgroup.Group
	for _, p := range m.pools {
		g.Go(func() error {
			p.Start(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// UsesPool reports whether a warm pool exists for the language.
func (m *Manager) UsesPool(code string) bool {
	_, ok := m.pools[code]
	return ok
}

// Acquire hands out a sandbox pod for the language: a warm pop when the
// pool has one, a wait on the replenisher when it is exhausted, or a
// synchronous on-demand creation for languages without a pool.
func (m *Manager) Acquire(ctx context.Context, code, sessionID string) (*sandbox.Handle, api.ContainerSource, error) {
	lang, ok := m.reg.Get(code)
	if !ok {
		return nil, "", fmt.Errorf("unsupported language %q", code)
	}

	if p, ok := m.pools[code]; ok {
		h, fromWarm, err := p.Acquire(ctx, sessionID, m.cfg.AcquireTimeout)
		if err != nil {
			return nil, "", err
		}
		if fromWarm {
			return h, api.SourcePoolHit, nil
		}
		m.rec.PoolMiss(code)
		return h, api.SourcePoolMiss, nil
	}

	h, err := m.factory.Create(ctx, lang, sandbox.PodTypeExecution, sessionID)
	if err != nil {
		return nil, "", err
	}
	h.Status = sandbox.StatusExecuting
	m.mu.Lock()
	m.onDemand[h.UID] = h
	m.mu.Unlock()

	if m.cfg.PoolEnabled {
		m.rec.PoolMiss(code)
	}
	m.rec.PodCreated(code)
	return h, api.SourcePoolMiss, nil
}

// Release gives a handle back. destroy is the normal post-execution path;
// releasing an unknown handle is a no-op.
func (m *Manager) Release(ctx context.Context, h *sandbox.Handle, destroy bool) {
	if p, ok := m.pools[h.Language]; ok {
		p.Release(ctx, h, destroy)
		return
	}

	m.mu.Lock()
	if _, owned := m.onDemand[h.UID]; !owned {
		m.mu.Unlock()
		return
	}
	delete(m.onDemand, h.UID)
	m.mu.Unlock()

	// On-demand pods have no queue to rejoin; they are always destroyed.
	h.Status = sandbox.StatusDeleting
	m.rec.PodDestroyed(h.Language)
	go func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		m.factory.Delete(dctx, h)
	}()
}

// Execute forwards an execute call to the pod's sidecar.
func (m *Manager) Execute(ctx context.Context, h *sandbox.Handle, req api.SidecarExecuteRequest, timeout time.Duration) (*api.SidecarExecuteResponse, error) {
	return m.sidecar.Execute(ctx, h, req, timeout)
}

// UploadFiles forwards request files to the pod's sidecar workspace.
func (m *Manager) UploadFiles(ctx context.Context, h *sandbox.Handle, files []api.RequestFile) error {
	return m.sidecar.UploadFiles(ctx, h, files)
}

// Stats aggregates all pools for the health and admin surfaces.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{Enabled: m.cfg.PoolEnabled}
	for _, code := range m.reg.Codes() {
		p, ok := m.pools[code]
		if !ok {
			continue
		}
		s := p.Stats()
		stats.Pools = append(stats.Pools, s)
		stats.TotalWarm += s.Available
		stats.TotalPods += s.Total
	}
	m.mu.Lock()
	stats.OnDemand = len(m.onDemand)
	stats.TotalPods += len(m.onDemand)
	m.mu.Unlock()
	return stats
}

// Stop shuts every pool down concurrently and destroys any on-demand pods
// still registered. The context bounds the whole teardown.
func (m *Manager) Stop(ctx context.Context) {
	var g errgroup.Group
	for _, p := range m.pools {
		g.Go(func() error {
			p.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	leftovers := make([]*sandbox.Handle, 0, len(m.onDemand))
	for _, h := range m.onDemand {
		leftovers = append(leftovers, h)
	}
	m.onDemand = make(map[string]*sandbox.Handle)
	m.mu.Unlock()

	workqueue.ParallelizeUntil(ctx, 5, len(leftovers), func(i int) {
		m.factory.Delete(ctx, leftovers[i])
		m.rec.PodDestroyed(leftovers[i].Language)
	})
}
