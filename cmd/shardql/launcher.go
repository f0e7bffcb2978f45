package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardql/pkg/launcher"
	"github.com/cuemby/shardql/pkg/registry"
	"github.com/cuemby/shardql/pkg/types"
)

func init() {
	coordinatorCmd.Flags().String("launcher", "manual", `Worker process launch mode: "manual" (workers started out of band) or "containerd"`)
	coordinatorCmd.Flags().String("containerd-socket", launcher.DefaultSocketPath, "containerd socket path, when --launcher=containerd")
	coordinatorCmd.Flags().String("worker-image", "", "Container image to launch for each worker, when --launcher=containerd")
	coordinatorCmd.Flags().String("worker-advertise-host", "127.0.0.1", "Host workers launched by containerd advertise themselves on")
	coordinatorCmd.Flags().Int("worker-port-base", 9100, "First port assigned to containerd-launched workers; each scale-up takes the next one")
	coordinatorCmd.Flags().Int("worker-cpu-cores", 1, "CPU cores allotted per containerd-launched worker")
	coordinatorCmd.Flags().Int("worker-memory-mb", 512, "Memory (MB) allotted per containerd-launched worker")
}

// trackedLauncher wraps a WorkerLauncher to remember which worker endpoint
// each launch handle corresponds to, so autoscale scale-down and startup-
// timeout rollback can find the right container to terminate and the right
// registry entry to check for health — containerd.ContainerdLauncher itself
// only deals in opaque handles, with no notion of the Worker Registry.
type trackedLauncher struct {
	inner launcher.WorkerLauncher

	mu        sync.Mutex
	endpoints map[string]types.WorkerEndpoint
}

func newTrackedLauncher(inner launcher.WorkerLauncher) *trackedLauncher {
	return &trackedLauncher{inner: inner, endpoints: make(map[string]types.WorkerEndpoint)}
}

func (t *trackedLauncher) Launch(ctx context.Context, spec launcher.LaunchSpec) (string, error) {
	handle, err := t.inner.Launch(ctx, spec)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.endpoints[handle] = spec.Endpoint
	t.mu.Unlock()
	return handle, nil
}

func (t *trackedLauncher) Terminate(ctx context.Context, handle string) error {
	err := t.inner.Terminate(ctx, handle)
	t.mu.Lock()
	delete(t.endpoints, handle)
	t.mu.Unlock()
	return err
}

func (t *trackedLauncher) endpointFor(handle string) (types.WorkerEndpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.endpoints[handle]
	return ep, ok
}

func (t *trackedLauncher) handleFor(endpoint types.WorkerEndpoint) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for handle, ep := range t.endpoints {
		if ep == endpoint {
			return handle, true
		}
	}
	return "", false
}

// containerdAutoscaleWiring builds the launchSpec/becameHealthy/removeWorker
// closures autoscaler.New needs to actually drive ContainerdLauncher, as
// opposed to the manual mode's no-op equivalents.
type containerdAutoscaleWiring struct {
	tracked  *trackedLauncher
	reg      *registry.Registry
	image    string
	host     string
	cpuCores int
	memoryMB int
	nextPort atomic.Int64
}

func (w *containerdAutoscaleWiring) launchSpec() launcher.LaunchSpec {
	port := w.nextPort.Add(1)
	return launcher.LaunchSpec{
		Image:    w.image,
		CPUCores: w.cpuCores,
		MemoryMB: w.memoryMB,
		Endpoint: types.WorkerEndpoint(fmt.Sprintf("%s:%d", w.host, port)),
	}
}

// becameHealthy reports whether the worker launched as handle has reported
// HEALTHY to the Registry yet, consulted by the Autoscaler's
// workerStartupTimeout rollback.
func (w *containerdAutoscaleWiring) becameHealthy(handle string) bool {
	endpoint, ok := w.tracked.endpointFor(handle)
	if !ok {
		return false
	}
	for _, info := range w.reg.Healthy() {
		if info.Endpoint == endpoint {
			return true
		}
	}
	return false
}

// removeWorker picks the Registry's scale-down candidate, deregisters it,
// and terminates the container that was launched for its endpoint (if any
// — a worker started out of band has no tracked handle to terminate).
func (w *containerdAutoscaleWiring) removeWorker(_ string) error {
	candidate, ok := w.reg.ScaleDownCandidate()
	if !ok {
		return nil
	}
	if err := w.reg.Deregister(candidate.ID, "autoscale scale-down"); err != nil {
		return err
	}
	if handle, ok := w.tracked.handleFor(candidate.Endpoint); ok {
		return w.tracked.Terminate(context.Background(), handle)
	}
	return nil
}

// buildLauncher resolves the --launcher flag into a WorkerLauncher plus the
// autoscaler closures to drive it, returning a cleanup func to run on
// shutdown.
func buildLauncher(cmd *cobra.Command, reg *registry.Registry) (
	l launcher.WorkerLauncher,
	launchSpec func() launcher.LaunchSpec,
	becameHealthy func(string) bool,
	removeWorker func(string) error,
	cleanup func(),
	err error,
) {
	mode, _ := cmd.Flags().GetString("launcher")
	switch mode {
	case "", "manual":
		manual := &launcher.ManualLauncher{}
		return manual,
			func() launcher.LaunchSpec { return launcher.LaunchSpec{} },
			func(string) bool { return true },
			func(handle string) error {
				if w, ok := reg.ScaleDownCandidate(); ok {
					return reg.Deregister(w.ID, "autoscale scale-down")
				}
				return nil
			},
			func() {},
			nil

	case "containerd":
		socket, _ := cmd.Flags().GetString("containerd-socket")
		image, _ := cmd.Flags().GetString("worker-image")
		host, _ := cmd.Flags().GetString("worker-advertise-host")
		portBase, _ := cmd.Flags().GetInt("worker-port-base")
		cpuCores, _ := cmd.Flags().GetInt("worker-cpu-cores")
		memoryMB, _ := cmd.Flags().GetInt("worker-memory-mb")
		if image == "" {
			return nil, nil, nil, nil, nil, fmt.Errorf("--worker-image is required when --launcher=containerd")
		}

		cd, err := launcher.NewContainerdLauncher(socket)
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("connect to containerd: %w", err)
		}
		tracked := newTrackedLauncher(cd)
		wiring := &containerdAutoscaleWiring{
			tracked:  tracked,
			reg:      reg,
			image:    image,
			host:     host,
			cpuCores: cpuCores,
			memoryMB: memoryMB,
		}
		wiring.nextPort.Store(int64(portBase) - 1)
		return tracked, wiring.launchSpec, wiring.becameHealthy, wiring.removeWorker, func() { _ = cd.Close() }, nil

	default:
		return nil, nil, nil, nil, nil, fmt.Errorf("unknown --launcher mode %q (want \"manual\" or \"containerd\")", mode)
	}
}
