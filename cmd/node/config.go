package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"Shardkeep/internal/config"
)

// flagValues holds the raw command-line values.
type flagValues struct {
	configPath string   // configPath is the YAML config file
	dataPath   string   // dataPath overrides storage.path
	quicAddr   string   // quicAddr overrides node.listen
	httpAddr   string   // httpAddr overrides node.http
	keyPath    string   // keyPath overrides node.key
	peers      []string // peers overrides node.peers
	logLevel   string   // logLevel overrides log.level
}

// parseFlags parses command-line flags, loads the config file if one is
// given, and applies explicitly set flags over it.
func parseFlags(args []string) (*config.Config, error) {
	defaults := config.Default()
	v := &flagValues{}

	fs := pflag.NewFlagSet("shardkeep-node", pflag.ContinueOnError)
	fs.StringVarP(&v.configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&v.dataPath, "data", defaults.Storage.Path, "Data directory path")
	fs.StringVar(&v.quicAddr, "quic", defaults.Node.ListenAddr, "QUIC listen address")
	fs.StringVar(&v.httpAddr, "http", defaults.Node.HTTPAddr, "HTTP API address (empty disables)")
	fs.StringVar(&v.keyPath, "key", defaults.Node.KeyPath, "Ed25519 private key path (generates new if missing)")
	fs.StringSliceVar(&v.peers, "peers", nil, "Comma-separated peer addresses to dial")
	fs.StringVar(&v.logLevel, "log-level", defaults.Log.Level, "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags:\n%w", err)
	}

	cfg := defaults
	if v.configPath != "" {
		loaded, err := config.LoadFile(v.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyFlags(fs, v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	return cfg, nil
}

// applyFlags copies flags the user set explicitly into cfg.
func applyFlags(fs *pflag.FlagSet, v *flagValues, cfg *config.Config) {
	if fs.Changed("data") {
		cfg.Storage.Path = v.dataPath
	}

	if fs.Changed("quic") {
		cfg.Node.ListenAddr = v.quicAddr
	}

	if fs.Changed("http") {
		cfg.Node.HTTPAddr = v.httpAddr
	}

	if fs.Changed("key") {
		cfg.Node.KeyPath = v.keyPath
	}

	if fs.Changed("peers") {
		cfg.Node.Peers = v.peers
	}

	if fs.Changed("log-level") {
		cfg.Log.Level = v.logLevel
	}
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
