package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Shardkeep/internal/api"
	"Shardkeep/internal/availability"
	"Shardkeep/internal/candidate"
	"Shardkeep/internal/config"
	"Shardkeep/internal/logger"
	"Shardkeep/internal/network"
	"Shardkeep/internal/protocol"
	"Shardkeep/internal/recovery"
	"Shardkeep/internal/storage"
)

const (
	// dialRetries is how many times a configured peer is dialed at startup.
	dialRetries = 5

	// dialTimeout bounds a single dial attempt.
	dialTimeout = 10 * time.Second
)

// Node represents a running Shardkeep node.
type Node struct {
	cfg     *config.Config        // cfg is the validated configuration
	key     ed25519.PrivateKey    // key is the node's identity
	self    candidate.Hash        // self is the node's participant key
	storage *storage.Storage      // storage holds chunks and payloads
	network *network.Node         // network carries requests to and from peers
	service *availability.Service // service stores and recovers payloads
	api     *api.Server           // api is the HTTP surface, nil when disabled

	ctx    context.Context    // ctx is canceled on shutdown
	cancel context.CancelFunc // cancel stops background loops
}

// NewNode creates and initializes a new node.
func NewNode(cfg *config.Config, key ed25519.PrivateKey) (*Node, error) {
	n := &Node{cfg: cfg, key: key}
	copy(n.self[:], key.Public().(ed25519.PublicKey))
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.initStorage(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.initService()

	return n, nil
}

// initStorage opens the Pebble store under the data directory.
func (n *Node) initStorage() error {
	dataPath := n.cfg.Storage.Path

	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(dataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	held, err := db.Candidates()
	if err != nil {
		return fmt.Errorf("list stored candidates:\n%w", err)
	}

	logger.Info("storage opened", "path", dataPath, "candidates", len(held))

	return nil
}

// initNetwork creates the QUIC node and registers the request handler.
func (n *Node) initNetwork() error {
	netCfg := network.Config{
		PrivateKey:     n.key,
		ListenAddr:     n.cfg.Node.ListenAddr,
		ReconnectDelay: n.cfg.Node.ReconnectDelay,
	}

	node, err := network.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	node.OnRequest(protocol.NewHandler(n.storage).HandleRequest)

	node.OnConnect(func(p *network.Peer) {
		logger.Info("peer connected",
			"pubkey", hex.EncodeToString(p.PublicKey()[:8]),
			"addr", p.Address(),
		)
	})

	node.OnDisconnect(func(p *network.Peer) {
		logger.Info("peer disconnected",
			"pubkey", hex.EncodeToString(p.PublicKey()[:8]),
			"addr", p.Address(),
		)
	})

	n.network = node

	return nil
}

// initService builds the recovery engine over the network client.
func (n *Node) initService() {
	client := protocol.NewClient(n.network)
	rec := recovery.New(n.cfg.RecoveryConfig(), client, n.storage, n.self)

	n.service = availability.New(n.storage, rec)
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	logger.Info("listening", "addr", n.network.Addr())

	if n.cfg.Node.HTTPAddr != "" {
		n.api = api.New(n.cfg.Node.HTTPAddr, n.service, n.storage)
		if err := n.api.Start(); err != nil {
			n.Close()
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	for _, addr := range n.cfg.Node.Peers {
		go n.connectToPeer(addr)
	}

	if n.cfg.Node.StatsInterval > 0 {
		go n.logStats(n.cfg.Node.StatsInterval)
	}

	return n.waitForShutdown()
}

// connectToPeer dials a configured peer with retries. The target may not
// be listening yet when both nodes start together.
func (n *Node) connectToPeer(addr string) {
	retryDelay := n.cfg.Node.ReconnectDelay

	for attempt := 0; attempt < dialRetries; attempt++ {
		ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		peer, err := n.network.Connect(ctx, addr)
		cancel()

		if err == nil {
			logger.Debug("dialed peer", "addr", addr, "pubkey", hex.EncodeToString(peer.PublicKey()[:8]))
			return
		}

		if attempt == dialRetries-1 {
			logger.Warn("failed to connect to peer after retries",
				"addr", addr,
				"attempts", dialRetries,
				"error", err,
			)
			return
		}

		logger.Debug("retrying peer connection", "addr", addr, "attempt", attempt+1, "error", err)

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// logStats periodically logs the recovery counters.
func (n *Node) logStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			s := n.service.Stats()
			logger.Info("recovery stats",
				"tasks", s.Tasks,
				"cache_hits", s.CacheHits,
				"local", s.LocalRecoveries,
				"fast_path", s.FastPathRecoveries,
				"chunks", s.ChunkRecoveries,
				"failures", s.Failures,
				"full_requests", s.FullRequests,
				"chunk_requests", s.ChunkRequests,
				"invalid_chunks", s.InvalidChunks,
				"mismatches", s.Mismatches,
				"peers", len(n.network.Peers()),
			)
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	n.cancel()

	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}
