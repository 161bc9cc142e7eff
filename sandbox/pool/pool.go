// Package pool maintains per-language reserves of warm sandbox pods and
// hands them to requests with millisecond latency.
//
// Ownership rules: a handle is held by exactly one of the available queue,
// a single caller, or the destroyer. All queue and registry mutations happen
// behind the pool mutex; callers never share handles.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/kilnrun/kiln/language"
	"github.com/kilnrun/kiln/sandbox"
)

var (
	// ErrNoPodAvailable is returned when acquisition times out.
	ErrNoPodAvailable = errors.New("no pod available")
	// ErrPoolStopped is returned to waiters when the pool shuts down.
	ErrPoolStopped = errors.New("pool stopped")
)

// maxProbeFailures is how many consecutive health probe failures evict a
// warm pod.
const maxProbeFailures = 3

// Creator builds and destroys sandbox pods. Implemented by sandbox.Factory.
type Creator interface {
	Create(ctx context.Context, lang language.Language, podType sandbox.PodType, sessionID string) (*sandbox.Handle, error)
	Delete(ctx context.Context, handle *sandbox.Handle)
}

// Prober checks that a warm pod's sidecar still answers.
type Prober interface {
	Health(ctx context.Context, handle *sandbox.Handle) error
}

// Recorder receives pool lifecycle events. Implemented by the metrics sink.
type Recorder interface {
	PoolHit(language string)
	PoolMiss(language string)
	PoolExhausted(language string)
	PodCreated(language string)
	PodDestroyed(language string)
	PoolGauge(language string, available, total int)
}

// NopRecorder drops all events.
type NopRecorder struct{}

func (NopRecorder) PoolHit(string)             {}
func (NopRecorder) PoolMiss(string)            {}
func (NopRecorder) PoolExhausted(string)       {}
func (NopRecorder) PodCreated(string)          {}
func (NopRecorder) PodDestroyed(string)        {}
func (NopRecorder) PoolGauge(string, int, int) {}

// Options tune one pool.
type Options struct {
	Target            int
	ParallelBatch     int
	ExhaustionTrigger int
	ReplenishInterval time.Duration
	HealthInterval    time.Duration
	WarmupOnStart     bool
}

// Stats is a point-in-time snapshot of one pool.
type Stats struct {
	Language  string `json:"language"`
	Target    int    `json:"target"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
	Creating  int    `json:"creating"`
}

// Pool is the warm reserve for one language.
type Pool struct {
	lang    language.Language
	opts    Options
	factory Creator
	prober  Prober
	rec     Recorder
	log     logr.Logger

	mu        sync.Mutex
	available []*sandbox.Handle          // FIFO of warm handles
	pods      map[string]*sandbox.Handle // uid -> every handle this pool owns
	waiters   []chan *sandbox.Handle     // callers blocked on exhaustion
	creating  int
	running   bool
	cancel    context.CancelFunc

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(lang language.Language, opts Options, factory Creator, prober Prober, rec Recorder, log logr.Logger) *Pool {
	if opts.ParallelBatch <= 0 {
		opts.ParallelBatch = 5
	}
	return &Pool{
		lang:    lang,
		opts:    opts,
		factory: factory,
		prober:  prober,
		rec:     rec,
		log:     log.WithName("pool").WithValues("language", lang.Code),
		pods:    make(map[string]*sandbox.Handle),
		wake:    make(chan struct{}, 1),
	}
}

// Start performs the initial warmup (when configured) and launches the
// replenishment and health loops. Calling Start on a running pool is a
// no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if p.opts.WarmupOnStart {
		p.replenishOnce(ctx)
	}

	p.wg.Add(2)
	go p.replenishLoop(ctx)
	go p.healthLoop(ctx)
}

// Stop cancels the loops, fails all waiters and destroys every owned pod.
// The passed context bounds how long destruction may take. Stop is
// idempotent.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	handles := make([]*sandbox.Handle, 0, len(p.pods))
	for _, h := range p.pods {
		h.Status = sandbox.StatusDeleting
		handles = append(handles, h)
	}
	p.pods = make(map[string]*sandbox.Handle)
	p.available = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	workqueue.ParallelizeUntil(ctx, p.opts.ParallelBatch, len(handles), func(i int) {
		p.factory.Delete(ctx, handles[i])
		p.rec.PodDestroyed(p.lang.Code)
	})
	p.rec.PoolGauge(p.lang.Code, 0, 0)
}

// TryAcquire pops a warm pod without blocking. It returns nil when the
// queue is empty.
func (p *Pool) TryAcquire(sessionID string) *sandbox.Handle {
	p.mu.Lock()
	if len(p.available) == 0 {
		p.mu.Unlock()
		return nil
	}
	h := p.available[0]
	p.available = p.available[1:]
	h.Status = sandbox.StatusExecuting
	h.SessionID = sessionID
	low := len(p.available) <= p.opts.ExhaustionTrigger
	avail, total := len(p.available), len(p.pods)
	p.mu.Unlock()

	if low {
		p.signalWake()
	}
	p.rec.PoolHit(p.lang.Code)
	p.rec.PoolGauge(p.lang.Code, avail, total)
	return h
}

// Acquire pops a warm pod or waits up to timeout for the replenisher to
// produce one. Handles delivered through the wait path count as misses for
// metric purposes; the caller learns which path it took from fromWarm.
func (p *Pool) Acquire(ctx context.Context, sessionID string, timeout time.Duration) (h *sandbox.Handle, fromWarm bool, err error) {
	if h := p.TryAcquire(sessionID); h != nil {
		return h, true, nil
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, false, ErrPoolStopped
	}
	// A release may have queued a pod between the failed pop and here.
	if len(p.available) > 0 {
		h := p.available[0]
		p.available = p.available[1:]
		h.Status = sandbox.StatusExecuting
		h.SessionID = sessionID
		avail, total := len(p.available), len(p.pods)
		p.mu.Unlock()
		p.rec.PoolHit(p.lang.Code)
		p.rec.PoolGauge(p.lang.Code, avail, total)
		return h, true, nil
	}
	w := make(chan *sandbox.Handle, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.rec.PoolExhausted(p.lang.Code)
	p.signalWake()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h, ok := <-w:
		if !ok {
			return nil, false, ErrPoolStopped
		}
		h.SessionID = sessionID
		return h, false, nil
	case <-timer.C:
		if h := p.settleWaiter(w); h != nil {
			h.SessionID = sessionID
			return h, false, nil
		}
		return nil, false, ErrNoPodAvailable
	case <-ctx.Done():
		if h := p.settleWaiter(w); h != nil {
			h.SessionID = sessionID
			return h, false, nil
		}
		return nil, false, ctx.Err()
	}
}

// settleWaiter resolves the race between giving up and a concurrent
// delivery. If the channel is no longer registered, a handle is already in
// flight and must be claimed rather than leaked.
func (p *Pool) settleWaiter(w chan *sandbox.Handle) *sandbox.Handle {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()
	h, ok := <-w
	if !ok {
		return nil
	}
	return h
}

// Release returns a handle to the pool. The execution path always destroys;
// handing the pod back to the queue is reserved for probe passes and
// administrative flows. Destroying a handle the pool no longer owns is a
// no-op.
func (p *Pool) Release(ctx context.Context, h *sandbox.Handle, destroy bool) {
	p.mu.Lock()
	if _, owned := p.pods[h.UID]; !owned {
		p.mu.Unlock()
		return
	}
	if !destroy {
		h.Status = sandbox.StatusWarm
		h.SessionID = ""
		h.HealthCheckFailures = 0
		p.deliverLocked(h)
		avail, total := len(p.available), len(p.pods)
		p.mu.Unlock()
		p.rec.PoolGauge(p.lang.Code, avail, total)
		return
	}
	delete(p.pods, h.UID)
	h.Status = sandbox.StatusDeleting
	avail, total := len(p.available), len(p.pods)
	p.mu.Unlock()

	p.rec.PodDestroyed(p.lang.Code)
	p.rec.PoolGauge(p.lang.Code, avail, total)
	p.signalWake()

	go func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		p.factory.Delete(dctx, h)
	}()
}

// deliverLocked hands a warm handle to the oldest waiter, or queues it.
// Callers hold the pool mutex.
func (p *Pool) deliverLocked(h *sandbox.Handle) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		h.Status = sandbox.StatusExecuting
		w <- h
		return
	}
	h.Status = sandbox.StatusWarm
	p.available = append(p.available, h)
}

// Stats snapshots the pool under its lock.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Language:  p.lang.Code,
		Target:    p.opts.Target,
		Available: len(p.available),
		Total:     len(p.pods),
		Creating:  p.creating,
	}
}

func (p *Pool) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) replenishLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.opts.ReplenishInterval):
		}
		p.replenishOnce(ctx)
	}
}

// replenishOnce tops the pool up to its target, creating pods in parallel
// batches. Fresh pods satisfy waiters before joining the queue.
func (p *Pool) replenishOnce(ctx context.Context) {
	p.mu.Lock()
	need := p.opts.Target - len(p.pods) - p.creating
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.creating += need
	p.mu.Unlock()

	workqueue.ParallelizeUntil(ctx, p.opts.ParallelBatch, need, func(int) {
		h, err := p.factory.Create(ctx, p.lang, sandbox.PodTypePool, "")

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			if ctx.Err() == nil {
				p.log.Error(err, "creating warm pod")
			}
			return
		}
		if !p.running {
			p.mu.Unlock()
			p.factory.Delete(ctx, h)
			return
		}
		p.pods[h.UID] = h
		p.deliverLocked(h)
		avail, total := len(p.available), len(p.pods)
		p.mu.Unlock()

		p.rec.PodCreated(p.lang.Code)
		p.rec.PoolGauge(p.lang.Code, avail, total)
	})
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

// probeOnce health-checks every pod currently in the queue. Three
// consecutive failures evict a pod from both the queue and the registry.
func (p *Pool) probeOnce(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*sandbox.Handle, len(p.available))
	copy(snapshot, p.available)
	p.mu.Unlock()

	for _, h := range snapshot {
		err := p.prober.Health(ctx, h)

		p.mu.Lock()
		idx := -1
		for i, cand := range p.available {
			if cand.UID == h.UID {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Claimed by a request while we probed; it is no longer ours.
			p.mu.Unlock()
			continue
		}
		if err == nil {
			h.HealthCheckFailures = 0
			p.mu.Unlock()
			continue
		}
		h.HealthCheckFailures++
		if h.HealthCheckFailures < maxProbeFailures {
			p.mu.Unlock()
			continue
		}
		h.Status = sandbox.StatusUnhealthy
		p.available = append(p.available[:idx], p.available[idx+1:]...)
		delete(p.pods, h.UID)
		avail, total := len(p.available), len(p.pods)
		p.mu.Unlock()

		p.log.Info("evicting unhealthy warm pod", "pod", h.Name, "failures", h.HealthCheckFailures)
		p.rec.PodDestroyed(p.lang.Code)
		p.rec.PoolGauge(p.lang.Code, avail, total)
		p.signalWake()

		h.Status = sandbox.StatusDeleting
		go func(h *sandbox.Handle) {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			p.factory.Delete(dctx, h)
		}(h)
	}
}
