package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardql/pkg/launcher"
	"github.com/cuemby/shardql/pkg/registry"
	"github.com/cuemby/shardql/pkg/types"
)

// fakeLauncher is a launcher.WorkerLauncher that never touches containerd,
// for exercising trackedLauncher and containerdAutoscaleWiring in isolation.
type fakeLauncher struct {
	nextHandle  int
	terminated  []string
	launchCalls int
}

func (f *fakeLauncher) Launch(context.Context, launcher.LaunchSpec) (string, error) {
	f.launchCalls++
	f.nextHandle++
	return string(rune('a' + f.nextHandle)), nil
}

func (f *fakeLauncher) Terminate(_ context.Context, handle string) error {
	f.terminated = append(f.terminated, handle)
	return nil
}

func TestTrackedLauncherRoundTripsEndpoint(t *testing.T) {
	fake := &fakeLauncher{}
	tracked := newTrackedLauncher(fake)

	spec := launcher.LaunchSpec{Endpoint: types.WorkerEndpoint("127.0.0.1:9101")}
	handle, err := tracked.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.launchCalls)

	ep, ok := tracked.endpointFor(handle)
	require.True(t, ok)
	assert.Equal(t, spec.Endpoint, ep)

	gotHandle, ok := tracked.handleFor(spec.Endpoint)
	require.True(t, ok)
	assert.Equal(t, handle, gotHandle)

	require.NoError(t, tracked.Terminate(context.Background(), handle))
	assert.Equal(t, []string{handle}, fake.terminated)
	_, ok = tracked.endpointFor(handle)
	assert.False(t, ok)
}

func TestTrackedLauncherUnknownHandleOrEndpoint(t *testing.T) {
	tracked := newTrackedLauncher(&fakeLauncher{})
	_, ok := tracked.endpointFor("nope")
	assert.False(t, ok)
	_, ok = tracked.handleFor(types.WorkerEndpoint("127.0.0.1:1"))
	assert.False(t, ok)
}

func TestContainerdAutoscaleWiringLaunchSpecAssignsDistinctPorts(t *testing.T) {
	wiring := &containerdAutoscaleWiring{
		tracked:  newTrackedLauncher(&fakeLauncher{}),
		reg:      registry.New(registry.DefaultConfig()),
		image:    "shardql-worker:latest",
		host:     "127.0.0.1",
		cpuCores: 2,
		memoryMB: 1024,
	}
	wiring.nextPort.Store(9099)

	first := wiring.launchSpec()
	second := wiring.launchSpec()
	assert.NotEqual(t, first.Endpoint, second.Endpoint)
	assert.Equal(t, "shardql-worker:latest", first.Image)
	assert.Equal(t, 2, first.CPUCores)
	assert.Equal(t, 1024, first.MemoryMB)
}

func TestContainerdAutoscaleWiringBecameHealthy(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	fake := &fakeLauncher{}
	tracked := newTrackedLauncher(fake)
	wiring := &containerdAutoscaleWiring{tracked: tracked, reg: reg}

	spec := launcher.LaunchSpec{Endpoint: types.WorkerEndpoint("127.0.0.1:9200")}
	handle, err := tracked.Launch(context.Background(), spec)
	require.NoError(t, err)

	assert.False(t, wiring.becameHealthy(handle))
	assert.False(t, wiring.becameHealthy("unknown-handle"))

	id := reg.Register("", spec.Endpoint, types.Resources{}, nil)
	_, err = reg.Heartbeat(id, types.Resources{}, nil)
	require.NoError(t, err)

	assert.True(t, wiring.becameHealthy(handle))
}

func TestContainerdAutoscaleWiringRemoveWorkerTerminatesTrackedContainer(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	fake := &fakeLauncher{}
	tracked := newTrackedLauncher(fake)
	wiring := &containerdAutoscaleWiring{tracked: tracked, reg: reg}

	spec := launcher.LaunchSpec{Endpoint: types.WorkerEndpoint("127.0.0.1:9300")}
	handle, err := tracked.Launch(context.Background(), spec)
	require.NoError(t, err)

	id := reg.Register("", spec.Endpoint, types.Resources{}, nil)
	_, err = reg.Heartbeat(id, types.Resources{}, nil)
	require.NoError(t, err)

	require.NoError(t, wiring.removeWorker(""))
	assert.Equal(t, []string{handle}, fake.terminated)

	w, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRemoved, w.Status)
}

func TestContainerdAutoscaleWiringRemoveWorkerNoCandidate(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	wiring := &containerdAutoscaleWiring{tracked: newTrackedLauncher(&fakeLauncher{}), reg: reg}
	assert.NoError(t, wiring.removeWorker(""))
}

func TestContainerdAutoscaleWiringRemoveWorkerUntrackedEndpoint(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	fake := &fakeLauncher{}
	wiring := &containerdAutoscaleWiring{tracked: newTrackedLauncher(fake), reg: reg}

	id := reg.Register("", types.WorkerEndpoint("127.0.0.1:9400"), types.Resources{}, nil)
	_, err := reg.Heartbeat(id, types.Resources{}, nil)
	require.NoError(t, err)

	require.NoError(t, wiring.removeWorker(""))
	assert.Empty(t, fake.terminated)
}
