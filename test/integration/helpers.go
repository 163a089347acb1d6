// Package integration runs in-process clusters of Shardkeep nodes over
// loopback QUIC.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Shardkeep/internal/availability"
	"Shardkeep/internal/candidate"
	"Shardkeep/internal/network"
	"Shardkeep/internal/protocol"
	"Shardkeep/internal/recovery"
	"Shardkeep/internal/storage"
)

const (
	// meshTimeout bounds the wait for every node to see every other.
	meshTimeout = 10 * time.Second
)

// Behavior is how a node answers requests.
type Behavior int

const (
	Honest    Behavior = iota // Honest serves what it stores
	Byzantine                 // Byzantine corrupts every chunk and payload it serves
	Silent                    // Silent never answers
)

// Node is one in-process node.
type Node struct {
	index    int                   // index is the node's position in the validator set
	key      candidate.Hash        // key is the node's participant key
	behavior Behavior              // behavior controls how requests are answered
	store    *storage.Storage      // store is the node's chunk store
	net      *network.Node         // net is the node's QUIC endpoint
	service  *availability.Service // service stores and recovers payloads
	stopOnce sync.Once             // stopOnce guards Stop
}

// Service returns the node's availability service.
func (n *Node) Service() *availability.Service { return n.service }

// Store returns the node's chunk store.
func (n *Node) Store() *storage.Storage { return n.store }

// Stop closes the node's network and store.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.net.Close()
		n.store.Close()
	})
}

// corruptStore serves flipped bytes for everything it holds.
type corruptStore struct {
	*storage.Storage
}

func (c corruptStore) GetChunk(digest candidate.Hash, index uint32) (*candidate.ErasureChunk, error) {
	chunk, err := c.Storage.GetChunk(digest, index)
	if chunk != nil && len(chunk.Chunk) > 0 {
		chunk.Chunk[0] ^= 0xFF
	}

	return chunk, err
}

func (c corruptStore) GetPayload(digest candidate.Hash) ([]byte, error) {
	payload, err := c.Storage.GetPayload(digest)
	if len(payload) > 0 {
		payload = append([]byte(nil), payload...)
		payload[len(payload)-1] ^= 0xFF
	}

	return payload, err
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	behaviors map[int]Behavior // behaviors overrides Honest per node index
	recovery  recovery.Config  // recovery is every node's recovery tuning
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithBehavior sets the behavior of the nodes at the given indices.
func WithBehavior(b Behavior, indices ...int) ClusterOption {
	return func(o *clusterOpts) {
		for _, i := range indices {
			o.behaviors[i] = b
		}
	}
}

// WithRecoveryConfig sets every node's recovery tuning.
func WithRecoveryConfig(cfg recovery.Config) ClusterOption {
	return func(o *clusterOpts) { o.recovery = cfg }
}

// Cluster manages a fully meshed group of nodes.
type Cluster struct {
	t          *testing.T              // t is the test context
	nodes      []*Node                 // nodes is the list of running nodes
	validators *candidate.ValidatorSet // validators lists node keys in index order
}

// NewCluster starts size nodes, connects them all and registers cleanup.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{
		behaviors: make(map[int]Behavior),
		recovery:  defaultRecoveryConfig(),
	}
	for _, o := range options {
		o(&opts)
	}

	c := &Cluster{t: t, nodes: make([]*Node, size)}
	t.Cleanup(c.Stop)

	// Keys first: every node's engine needs its own key.
	keys := make([]ed25519.PrivateKey, size)
	hashes := make([]candidate.Hash, size)

	for i := range keys {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		keys[i] = priv
		copy(hashes[i][:], pub)
	}

	c.validators = candidate.NewValidatorSet(hashes)

	for i := range c.nodes {
		c.nodes[i] = c.startNode(i, keys[i], hashes[i], opts.behaviors[i], opts.recovery)
	}

	c.connectAll()

	return c
}

// defaultRecoveryConfig is tuned for loopback timings.
func defaultRecoveryConfig() recovery.Config {
	cfg := recovery.DefaultConfig()
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.FullRequestTimeout = 2 * time.Second
	cfg.TaskTimeout = 20 * time.Second

	return cfg
}

// startNode opens a store, starts a QUIC node and builds the service.
func (c *Cluster) startNode(index int, key ed25519.PrivateKey, hash candidate.Hash, b Behavior, cfg recovery.Config) *Node {
	c.t.Helper()

	store, err := storage.New(filepath.Join(c.t.TempDir(), "db"))
	if err != nil {
		c.t.Fatalf("node %d: open storage: %v", index, err)
	}

	net, err := network.NewNode(network.Config{
		PrivateKey:     key,
		ListenAddr:     "127.0.0.1:0",
		ReconnectDelay: 100 * time.Millisecond,
	})
	if err != nil {
		store.Close()
		c.t.Fatalf("node %d: create network: %v", index, err)
	}

	switch b {
	case Byzantine:
		net.OnRequest(protocol.NewHandler(corruptStore{store}).HandleRequest)
	case Silent:
		net.OnRequest(func(ctx context.Context, _ *network.Peer, _ []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	default:
		net.OnRequest(protocol.NewHandler(store).HandleRequest)
	}

	if err := net.Start(); err != nil {
		store.Close()
		c.t.Fatalf("node %d: start network: %v", index, err)
	}

	rec := recovery.New(cfg, protocol.NewClient(net), store, hash)

	return &Node{
		index:    index,
		key:      hash,
		behavior: b,
		store:    store,
		net:      net,
		service:  availability.New(store, rec),
	}
}

// connectAll dials every lower-indexed node from every node and waits
// until each node sees all the others.
func (c *Cluster) connectAll() {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), meshTimeout)
	defer cancel()

	for i, n := range c.nodes {
		for _, target := range c.nodes[:i] {
			if _, err := n.net.Connect(ctx, target.net.Addr()); err != nil {
				c.t.Fatalf("node %d: connect to node %d: %v", i, target.index, err)
			}
		}
	}

	deadline := time.Now().Add(meshTimeout)
	for _, n := range c.nodes {
		for len(n.net.Peers()) < len(c.nodes)-1 {
			if time.Now().After(deadline) {
				c.t.Fatalf("node %d sees %d peers, want %d", n.index, len(n.net.Peers()), len(c.nodes)-1)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Node returns the node at index.
func (c *Cluster) Node(index int) *Node { return c.nodes[index] }

// Size returns the number of nodes.
func (c *Cluster) Size() int { return len(c.nodes) }

// Validators returns the cluster's validator set.
func (c *Cluster) Validators() *candidate.ValidatorSet { return c.validators }

// Publish encodes payload on the backer node and hands every other node
// its own chunk.
func (c *Cluster) Publish(payload []byte, backer int) *availability.Commitment {
	c.t.Helper()

	b := c.nodes[backer]

	commitment, err := b.service.EncodeAndStore(payload, c.validators, backer)
	if err != nil {
		c.t.Fatalf("node %d: EncodeAndStore: %v", backer, err)
	}

	_, chunks, err := availability.Encode(payload, c.validators)
	if err != nil {
		c.t.Fatalf("encode chunks: %v", err)
	}

	for i, n := range c.nodes {
		if i == backer {
			continue
		}

		if err := n.service.AcceptChunk(commitment, chunks[i]); err != nil {
			c.t.Fatalf("node %d: AcceptChunk: %v", i, err)
		}
	}

	return commitment
}

// Receipt builds the availability receipt for commitment with the given
// backer indices.
func (c *Cluster) Receipt(commitment *availability.Commitment, backers ...int) *candidate.Receipt {
	keys := make([]candidate.Hash, len(backers))
	for i, b := range backers {
		keys[i] = c.nodes[b].key
	}

	return &candidate.Receipt{
		PayloadDigest: commitment.PayloadDigest,
		ErasureRoot:   commitment.ErasureRoot,
		TotalShards:   commitment.Total,
		Backers:       keys,
		Validators:    c.validators,
	}
}

// Stop stops every node.
func (c *Cluster) Stop() {
	for _, n := range c.nodes {
		if n != nil {
			n.Stop()
		}
	}
}
