// Package registry implements the Worker Registry (§4.5): worker
// registration, heartbeats, status transitions, liveness sweeping, and the
// placement helpers the Coordinator and Autoscaler consult.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	serrors "github.com/cuemby/shardql/pkg/errors"
	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/metrics"
	"github.com/cuemby/shardql/pkg/types"
)

// Config tunes the liveness sweeper (mirrors pkg/config.RegistryConfig so
// the registry has no direct dependency on the config package).
type Config struct {
	SweepInterval  time.Duration
	UnhealthyAfter time.Duration
	RemoveAfter    time.Duration
}

// DefaultConfig returns the defaults named in §4.5.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  10 * time.Second,
		UnhealthyAfter: 45 * time.Second,
		RemoveAfter:    5 * time.Minute,
	}
}

// Registry is the single designated mutator of worker state; reads are
// lock-free via a read lock, mutations serialized per worker id through the
// map's mutex (spec.md §9: "one designated mutator task").
type Registry struct {
	mu      sync.RWMutex
	workers map[types.WorkerId]*types.WorkerInfo
	cfg     Config

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Registry with the given sweeper configuration.
func New(cfg Config) *Registry {
	return &Registry{
		workers: make(map[types.WorkerId]*types.WorkerInfo),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Register assigns (or reuses) a worker id. If reqId collides with an
// existing, non-REMOVED worker, the registry suffixes it with a short uuid
// per §4.5.
func (r *Registry) Register(reqId types.WorkerId, endpoint types.WorkerEndpoint, resources types.Resources, metadata map[string]string) types.WorkerId {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := reqId
	if id == "" {
		id = types.WorkerId(uuid.NewString())
	}
	if existing, ok := r.workers[id]; ok && existing.Status != types.WorkerRemoved {
		id = types.WorkerId(string(reqId) + "-" + uuid.NewString()[:8])
	}

	r.workers[id] = &types.WorkerInfo{
		ID:              id,
		Endpoint:        endpoint,
		Status:          types.WorkerStarting,
		Resources:       resources,
		LastHeartbeatAt: time.Now(),
		Metadata:        metadata,
	}
	log.WithComponent("registry").Info().Str("worker_id", string(id)).Msg("worker registered")
	r.refreshMetricsLocked()
	return id
}

// Deregister explicitly removes a worker.
func (r *Registry) Deregister(id types.WorkerId, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return serrors.New(serrors.NotFound, "worker not found").WithWorker(id)
	}
	w.Status = types.WorkerRemoved
	log.WithComponent("registry").Info().Str("worker_id", string(id)).Str("reason", reason).Msg("worker deregistered")
	r.refreshMetricsLocked()
	return nil
}

// HeartbeatAck is the result of processing one heartbeat.
type HeartbeatAck struct {
	Instructions []string
}

// Heartbeat records a liveness report. The returned HeartbeatAck carries no
// instructions: the registry never issues DRAIN or SHUTDOWN, and a worker
// becomes DRAINING only by reporting draining=true in statusMetadata.
func (r *Registry) Heartbeat(id types.WorkerId, resources types.Resources, statusMetadata map[string]string) (HeartbeatAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return HeartbeatAck{}, serrors.New(serrors.NotFound, "worker not found").WithWorker(id)
	}
	w.Resources = resources
	w.LastHeartbeatAt = time.Now()
	if w.Status == types.WorkerStarting || w.Status == types.WorkerUnhealthy {
		w.Status = types.WorkerHealthy
	}
	if statusMetadata != nil {
		if w.Metadata == nil {
			w.Metadata = map[string]string{}
		}
		for k, v := range statusMetadata {
			w.Metadata[k] = v
		}
		if statusMetadata["draining"] == "true" {
			w.Status = types.WorkerDraining
		}
	}
	r.refreshMetricsLocked()
	return HeartbeatAck{}, nil
}

// Get returns a copy of one worker's info.
func (r *Registry) Get(id types.WorkerId) (types.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return types.WorkerInfo{}, serrors.New(serrors.NotFound, "worker not found").WithWorker(id)
	}
	return *w, nil
}

// List returns all workers, optionally filtered by status.
func (r *Registry) List(statusFilter types.WorkerStatus) []types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		if statusFilter != "" && w.Status != statusFilter {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy returns every HEALTHY worker.
func (r *Registry) Healthy() []types.WorkerInfo {
	return r.List(types.WorkerHealthy)
}

// Stats summarizes worker counts by status (§4.5 stats()).
type Stats struct {
	Total     int
	Healthy   int
	Unhealthy int
	Draining  int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, w := range r.workers {
		s.Total++
		switch w.Status {
		case types.WorkerHealthy:
			s.Healthy++
		case types.WorkerUnhealthy:
			s.Unhealthy++
		case types.WorkerDraining:
			s.Draining++
		}
	}
	return s
}

// PickLeastLoaded returns up to n HEALTHY workers with the fewest
// ActiveQueries, breaking ties by WorkerId for determinism.
func (r *Registry) PickLeastLoaded(n int) []types.WorkerInfo {
	candidates := r.Healthy()
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Resources.ActiveQueries != candidates[j].Resources.ActiveQueries {
			return candidates[i].Resources.ActiveQueries < candidates[j].Resources.ActiveQueries
		}
		return candidates[i].ID < candidates[j].ID
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// PickByTag returns up to n HEALTHY workers whose metadata carries tag=true
// (or any non-empty value), least-loaded first.
func (r *Registry) PickByTag(tag string, n int) []types.WorkerInfo {
	candidates := r.Healthy()
	filtered := candidates[:0]
	for _, w := range candidates {
		if w.Metadata[tag] != "" {
			filtered = append(filtered, w)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Resources.ActiveQueries != filtered[j].Resources.ActiveQueries {
			return filtered[i].Resources.ActiveQueries < filtered[j].Resources.ActiveQueries
		}
		return filtered[i].ID < filtered[j].ID
	})
	if n > len(filtered) {
		n = len(filtered)
	}
	return filtered[:n]
}

// ScaleDownCandidate selects the worker to remove on SCALE_DOWN: fewest
// ActiveQueries, ties broken by oldest LastHeartbeatAt first (§4.6).
func (r *Registry) ScaleDownCandidate() (types.WorkerInfo, bool) {
	candidates := r.Healthy()
	if len(candidates) == 0 {
		return types.WorkerInfo{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Resources.ActiveQueries != candidates[j].Resources.ActiveQueries {
			return candidates[i].Resources.ActiveQueries < candidates[j].Resources.ActiveQueries
		}
		return candidates[i].LastHeartbeatAt.Before(candidates[j].LastHeartbeatAt)
	})
	return candidates[0], true
}

// Start launches the liveness sweeper as a background task.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop terminates the sweeper.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, w := range r.workers {
		if w.Status == types.WorkerRemoved || w.Status == types.WorkerDraining {
			continue
		}
		age := now.Sub(w.LastHeartbeatAt)
		if age > r.cfg.RemoveAfter {
			w.Status = types.WorkerRemoved
			log.WithComponent("registry").Warn().Str("worker_id", string(w.ID)).Msg("worker removed after grace period")
		} else if age > r.cfg.UnhealthyAfter && w.Status == types.WorkerHealthy {
			w.Status = types.WorkerUnhealthy
			log.WithComponent("registry").Warn().Str("worker_id", string(w.ID)).Msg("worker marked unhealthy")
		}
	}
	r.refreshMetricsLocked()
}

// refreshMetricsLocked updates the workers-by-status gauge. Caller must
// hold r.mu (read or write).
func (r *Registry) refreshMetricsLocked() {
	counts := map[types.WorkerStatus]int{}
	for _, w := range r.workers {
		counts[w.Status]++
	}
	for _, status := range []types.WorkerStatus{types.WorkerStarting, types.WorkerHealthy, types.WorkerUnhealthy, types.WorkerDraining, types.WorkerRemoved} {
		metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
