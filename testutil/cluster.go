package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/etienne-leroy/FTILlite/auxdb"
	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/segment"
	"github.com/etienne-leroy/FTILlite/transport"
	"github.com/stretchr/testify/require"
)

// CoordinatorID is the id of the coordinator node in every test cluster.
const CoordinatorID = 0

// MemoryAddr is the directory address advertised by memory-broker nodes.
const MemoryAddr = "mem"

type clusterConfig struct {
	peers int
	seed  []byte
	aux   map[int]auxdb.Source
	log   *slog.Logger
}

// ClusterOption customises NewCluster.
type ClusterOption func(*clusterConfig)

// WithPeers sets the number of peer nodes (default 2).
func WithPeers(n int) ClusterOption {
	return func(c *clusterConfig) { c.peers = n }
}

// WithSeed sets the seed every host's randomness is derived from.
func WithSeed(seed []byte) ClusterOption {
	return func(c *clusterConfig) { c.seed = seed }
}

// WithAuxDB attaches an auxiliary data source to the node with the given id.
func WithAuxDB(id int, src auxdb.Source) ClusterOption {
	return func(c *clusterConfig) { c.aux[id] = src }
}

// WithLogger routes host and client logs to log instead of discarding them.
func WithLogger(log *slog.Logger) ClusterOption {
	return func(c *clusterConfig) { c.log = log }
}

// Cluster is a coordinator plus peers listening on one memory broker.
type Cluster struct {
	Coordinator protocol.Node
	Peers       protocol.NodeSet
	Nodes       protocol.NodeSet
	Hosts       map[int]*segment.Host
	Broker      *transport.MemoryBroker

	log *slog.Logger
}

// NewCluster starts the hosts and registers their shutdown with t.Cleanup.
func NewCluster(t testing.TB, opts ...ClusterOption) *Cluster {
	t.Helper()
	cfg := &clusterConfig{
		peers: 2,
		seed:  []byte("ftillite-testutil"),
		aux:   make(map[int]auxdb.Source),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	coordinator := protocol.Node{ID: CoordinatorID, Name: "coordinator"}
	peers := make([]protocol.Node, cfg.peers)
	for i := range peers {
		peers[i] = protocol.Node{ID: i + 1, Name: fmt.Sprintf("peer%d", i+1)}
	}
	c := &Cluster{
		Coordinator: coordinator,
		Peers:       protocol.NewNodeSet(peers...),
		Nodes:       protocol.NewNodeSet(append([]protocol.Node{coordinator}, peers...)...),
		Hosts:       make(map[int]*segment.Host),
		Broker:      transport.NewMemoryBroker(),
		log:         cfg.log,
	}

	// Declare every queue up front so the first command cannot race the
	// listeners.
	ch, err := c.Broker.Channel(context.Background())
	require.NoError(t, err)
	for _, id := range c.Nodes.IDs() {
		require.NoError(t, ch.DeclareQueue(protocol.IncomingQueue(id)))
		require.NoError(t, ch.DeclareQueue(protocol.TransferQueue(id)))
	}
	ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	dir := t.TempDir()
	for _, n := range c.Nodes.Nodes() {
		rng, err := crypto.NewSeededReader(cfg.seed, n.Name)
		require.NoError(t, err)
		store, err := segment.OpenStore(filepath.Join(dir, n.Name+".db"))
		require.NoError(t, err)
		h, err := segment.NewHost(segment.Options{
			Node:  n,
			Addr:  MemoryAddr,
			Log:   cfg.log,
			Rand:  rng,
			Store: store,
			AuxDB: cfg.aux[n.ID],
			Dial: func(p protocol.Node, _ string) transport.Client {
				return c.newClient(transport.NewTransferClient(p, c.Broker, c.log))
			},
		})
		require.NoError(t, err)
		c.Hosts[n.ID] = h

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := segment.Listen(ctx, c.Broker, h); err != nil {
				t.Errorf("%s listener: %v", n, err)
			}
		}()
	}

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		for _, h := range c.Hosts {
			h.Close()
		}
	})
	return c
}

func (c *Cluster) newClient(sc *transport.SegmentClient) *transport.SegmentClient {
	sc.BaseDelay = time.Millisecond
	sc.MaxDelay = 10 * time.Millisecond
	return sc
}

// Clients returns a fresh command client per node.
func (c *Cluster) Clients() map[int]transport.Client {
	out := make(map[int]transport.Client, c.Nodes.Len())
	for _, n := range c.Nodes.Nodes() {
		out[n.ID] = c.newClient(transport.NewSegmentClient(n, c.Broker, c.log))
	}
	return out
}

// Addrs returns the directory addresses for netinit.
func (c *Cluster) Addrs() map[int]string {
	out := make(map[int]string, c.Nodes.Len())
	for _, id := range c.Nodes.IDs() {
		out[id] = MemoryAddr
	}
	return out
}

// Node returns the node with the given id.
func (c *Cluster) Node(id int) protocol.Node {
	n, _ := c.Nodes.Get(id)
	return n
}
