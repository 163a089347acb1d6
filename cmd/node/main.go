package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"Shardkeep/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.InitLevel(level)

	key, err := loadOrGenerateKey(cfg.Node.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(n *Node) {
	cfg := n.cfg

	logger.Info("starting Shardkeep node",
		"pubkey", hex.EncodeToString(n.self[:]),
		"quic", cfg.Node.ListenAddr,
		"http", cfg.Node.HTTPAddr,
		"data", cfg.Storage.Path,
		"peers", len(cfg.Node.Peers),
	)

	logger.Debug("recovery configuration",
		"fast_path_parallelism", cfg.Recovery.FastPathParallelism,
		"chunk_parallelism", cfg.Recovery.ChunkParallelism,
		"global_parallelism", cfg.Recovery.GlobalParallelism,
		"task_timeout", cfg.Recovery.TaskTimeout,
		"cache_bytes", cfg.Cache.Bytes,
	)
}
