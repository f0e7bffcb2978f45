package launcher

import (
	"context"
	"fmt"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/shardql/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace shardql workers run in.
	DefaultNamespace = "shardql"
	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdLauncher implements WorkerLauncher by spawning worker processes
// as containerd containers, generalized from warren's ContainerdRuntime
// (container lifecycle) to worker-process lifecycle.
type ContainerdLauncher struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdLauncher connects to a containerd daemon.
func NewContainerdLauncher(socketPath string) (*ContainerdLauncher, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerdLauncher{client: client, namespace: DefaultNamespace}, nil
}

// Close releases the containerd client connection.
func (l *ContainerdLauncher) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Launch pulls spec.Image if needed, creates a container running the
// shardql worker binary with the given endpoint/resource env, and starts
// its task.
func (l *ContainerdLauncher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, l.namespace)

	image, err := l.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = l.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("pull image %s: %w", spec.Image, err)
		}
	}

	id := "shardql-worker-" + uuid.NewString()[:8]
	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, fmt.Sprintf("SHARDQL_WORKER_ENDPOINT=%s", spec.Endpoint))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	if spec.CPUCores > 0 {
		quota := int64(spec.CPUCores) * 100000
		period := uint64(100000)
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if spec.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMB)*1024*1024))
	}
	// Pin OOM score so a killed worker is never mistaken for a healthy one
	// by the registry sweeper before its heartbeat actually lapses.
	opts = append(opts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		if s.Process == nil {
			s.Process = &specs.Process{}
		}
		score := 900
		s.Process.OOMScoreAdj = &score
		return nil
	})

	container, err := l.client.NewContainer(ctx, id,
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}

	log.WithComponent("launcher").Info().Str("container_id", id).Str("endpoint", string(spec.Endpoint)).Msg("launched worker container")
	return id, nil
}

// Terminate stops and deletes the container and its task identified by
// handle (the container id returned by Launch).
func (l *ContainerdLauncher) Terminate(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, l.namespace)

	container, err := l.client.LoadContainer(ctx, handle)
	if err != nil {
		return fmt.Errorf("load container %s: %w", handle, err)
	}
	task, err := container.Task(ctx, nil)
	if err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", handle, err)
	}
	log.WithComponent("launcher").Info().Str("container_id", handle).Msg("terminated worker container")
	return nil
}
