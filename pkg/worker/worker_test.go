package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/cuemby/shardql/pkg/registry"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

// startFakeCoordinator exposes a real Registry over WorkerManagementServiceDesc
// so Node can register/heartbeat/deregister against it end to end.
func startFakeCoordinator(t *testing.T) (addr string, reg *registry.Registry) {
	t.Helper()
	reg = registry.New(registry.DefaultConfig())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	s.RegisterService(&rpc.WorkerManagementServiceDesc, registry.NewGRPCServer(reg))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return lis.Addr().String(), reg
}

func TestNodeRegistersAndDeregisters(t *testing.T) {
	coordAddr, reg := startFakeCoordinator(t)

	n, err := New(Config{
		PreferredId:     "w1",
		ListenAddr:      "127.0.0.1:0",
		CoordinatorAddr: coordAddr,
		HeartbeatEvery:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, types.WorkerId("w1"), n.id)

	require.Eventually(t, func() bool {
		info, err := reg.Get("w1")
		return err == nil && info.Status == types.WorkerHealthy
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, n.Stop())

	info, err := reg.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRemoved, info.Status)
}

func TestNodeDrainSetsStatusMetadata(t *testing.T) {
	coordAddr, reg := startFakeCoordinator(t)

	n, err := New(Config{
		PreferredId:     "w2",
		ListenAddr:      "127.0.0.1:0",
		CoordinatorAddr: coordAddr,
		HeartbeatEvery:  20 * time.Millisecond,
		DrainTimeout:    100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Drain(ctx)

	info, err := reg.Get("w2")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDraining, info.Status)
}
