// Package launcher defines the WorkerLauncher interface the Autoscaler
// drives (spec's external, interface-only collaborator for process
// lifecycle) and a concrete containerd-backed implementation.
package launcher

import (
	"context"

	"github.com/cuemby/shardql/pkg/types"
)

// LaunchSpec describes the worker process to start.
type LaunchSpec struct {
	Image      string
	Env        map[string]string
	CPUCores   int
	MemoryMB   int
	Endpoint   types.WorkerEndpoint // pre-assigned so the coordinator can register it
}

// WorkerLauncher starts and stops worker processes. The core spec treats
// this purely as an interface; a fake/manual launcher is the default used
// in tests, with the containerd implementation exercised in the
// containerized deployment mode.
type WorkerLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (handle string, err error)
	Terminate(ctx context.Context, handle string) error
}

// ManualLauncher is a no-op WorkerLauncher for tests and for deployments
// where workers are started out of band; Launch/Terminate just record
// calls.
type ManualLauncher struct {
	Launches   []LaunchSpec
	Terminated []string
}

func (m *ManualLauncher) Launch(_ context.Context, spec LaunchSpec) (string, error) {
	m.Launches = append(m.Launches, spec)
	return spec.Image, nil
}

func (m *ManualLauncher) Terminate(_ context.Context, handle string) error {
	m.Terminated = append(m.Terminated, handle)
	return nil
}
