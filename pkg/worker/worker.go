// Package worker implements the query-engine worker node: it registers with
// the control plane, serves stage execution and data exchange RPCs, and
// reports liveness until asked to drain and exit.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/cuemby/shardql/pkg/config"
	serrors "github.com/cuemby/shardql/pkg/errors"
	"github.com/cuemby/shardql/pkg/exchange"
	"github.com/cuemby/shardql/pkg/executor"
	"github.com/cuemby/shardql/pkg/interstore"
	"github.com/cuemby/shardql/pkg/log"
	"github.com/cuemby/shardql/pkg/rpc"
	"github.com/cuemby/shardql/pkg/types"
)

// Config holds the parameters needed to start a Node.
type Config struct {
	PreferredId    types.WorkerId
	ListenAddr     string       // address this node's gRPC server binds to
	AdvertiseAddr  string       // address peers/coordinator dial (host:port)
	CoordinatorAddr string
	MaxChunkBytes  int64
	MaxBuckets     int
	HeartbeatEvery time.Duration
	DrainTimeout   time.Duration
	Source         executor.TableSource // nil uses EmptyTableSource
}

// Node is a worker process: it owns the stage Executor and Intermediate
// Store, serves both over gRPC, and maintains registration with the
// control plane's Worker Registry (spec.md §4.2-§4.5).
type Node struct {
	cfg Config

	id types.WorkerId

	store     *interstore.Store
	transport *exchange.Transport
	executor  *executor.Executor

	grpcServer *grpc.Server
	listener   net.Listener

	mgmtConn *grpc.ClientConn
	mgmt     *rpc.WorkerManagementClient

	draining atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New wires a Node from cfg, dialing the control plane and opening the
// worker's own gRPC listener. It does not register or start serving; call
// Start for that.
func New(cfg Config) (*Node, error) {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = config.Default().Chunk.MaxChunkBytes
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.Default().Coordinator.DrainTimeout
	}
	source := cfg.Source
	if source == nil {
		source = executor.EmptyTableSource{}
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, serrors.Wrap(serrors.Internal, "listen on worker address", err)
	}

	mgmtConn, err := rpc.Dial(cfg.CoordinatorAddr, nil)
	if err != nil {
		lis.Close()
		return nil, serrors.Wrap(serrors.Unavailable, "dial coordinator", err)
	}

	n := &Node{
		cfg:       cfg,
		store:     interstore.New(cfg.MaxBuckets),
		transport: exchange.New(exchange.DefaultRetryPolicy()),
		listener:  lis,
		mgmtConn:  mgmtConn,
		mgmt:      rpc.NewWorkerManagementClient(mgmtConn),
		stopCh:    make(chan struct{}),
	}
	n.executor = executor.New(executor.DefaultConfig(), cfg.PreferredId, n.store, n.transport, source, n.resources)
	n.grpcServer = rpc.NewServer(nil)
	n.grpcServer.RegisterService(&rpc.ExecutionServiceDesc, n.executor)
	n.grpcServer.RegisterService(&rpc.DataExchangeServiceDesc, interstore.NewGRPCServer(n.store, cfg.MaxChunkBytes))

	return n, nil
}

// resources reports this node's current capacity and load for heartbeats,
// grounded on what the control plane's Autoscaler needs to see (§4.6).
func (n *Node) resources() types.Resources {
	return types.Resources{
		CPUCores:      runtime.NumCPU(),
		ActiveQueries: n.executor.ActiveAssignments(),
	}
}

// Start registers with the control plane, begins serving gRPC, and starts
// the heartbeat loop. It returns once registration succeeds; serving and
// heartbeating continue in the background until Stop or Drain.
func (n *Node) Start(ctx context.Context) error {
	endpoint := n.cfg.AdvertiseAddr
	if endpoint == "" {
		endpoint = n.listener.Addr().String()
	}

	resp, err := n.mgmt.RegisterWorker(ctx, &rpc.RegisterWorkerRequest{
		PreferredId: n.cfg.PreferredId,
		Endpoint:    types.WorkerEndpoint(endpoint),
		Resources:   n.resources(),
	})
	if err != nil {
		return serrors.Wrap(serrors.Unavailable, "register with control plane", err)
	}
	n.id = resp.AssignedId
	log.WithComponent("worker").Info().Str("worker_id", string(n.id)).Str("endpoint", endpoint).Msg("registered with control plane")

	n.wg.Add(2)
	go n.serveLoop()
	go n.heartbeatLoop()

	return nil
}

func (n *Node) serveLoop() {
	defer n.wg.Done()
	if err := n.grpcServer.Serve(n.listener); err != nil {
		log.WithComponent("worker").Error().Err(err).Msg("grpc serve exited")
	}
}

// heartbeatLoop sends periodic liveness reports until stopCh closes,
// attaching "draining":"true" once Drain has been invoked so the registry
// transitions this worker to DRAINING (§4.5) and the autoscaler/coordinator
// stop assigning it new work.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.sendHeartbeat()
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) sendHeartbeat() {
	var meta map[string]string
	if n.draining.Load() {
		meta = map[string]string{"draining": "true"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := n.mgmt.Heartbeat(ctx, &rpc.HeartbeatRequest{
		WorkerId:       n.id,
		Resources:      n.resources(),
		StatusMetadata: meta,
	})
	if err != nil {
		log.WithComponent("worker").Warn().Err(err).Msg("heartbeat failed")
		return
	}
	for _, instr := range ack.Instructions {
		if instr == rpc.InstructionDrain {
			n.draining.Store(true)
		}
	}
}

// Drain stops accepting new assignments, announces DRAINING on the next
// heartbeat, and blocks until every active assignment finishes or
// cfg.DrainTimeout elapses, whichever comes first (the graceful-drain
// sequence supplemented into the spec's worker lifecycle).
func (n *Node) Drain(ctx context.Context) {
	n.draining.Store(true)
	n.sendHeartbeat()
	log.WithComponent("worker").Info().Str("worker_id", string(n.id)).Msg("draining")

	deadline := time.Now().Add(n.cfg.DrainTimeout)
	for n.executor.ActiveAssignments() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
	if n.executor.ActiveAssignments() > 0 {
		log.WithComponent("worker").Warn().Int("remaining", n.executor.ActiveAssignments()).Msg("drain timeout elapsed with assignments still active")
	}
}

// Stop deregisters from the control plane, stops serving, and releases all
// resources. Callers that want a graceful drain should call Drain first.
func (n *Node) Stop() error {
	close(n.stopCh)
	n.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n.id != "" {
		if _, err := n.mgmt.DeregisterWorker(ctx, &rpc.DeregisterWorkerRequest{WorkerId: n.id, Reason: "shutdown"}); err != nil {
			log.WithComponent("worker").Warn().Err(err).Msg("deregister failed")
		}
	}

	n.grpcServer.GracefulStop()
	_ = n.transport.Close()
	_ = n.mgmtConn.Close()
	return nil
}

// Hostname is a small helper for default endpoint advertisement, mirroring
// how callers commonly derive an AdvertiseAddr when none is configured.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// String identifies this node for logging.
func (n *Node) String() string {
	return fmt.Sprintf("worker(%s)", n.id)
}
