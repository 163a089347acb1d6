package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes content to a config file in a test directory.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("SHARDKEEP_HOME", "/srv/shardkeep")

	path := writeConfig(t, `
node:
  listen: 127.0.0.1:7000
  key: $SHARDKEEP_HOME/node.key
  peers:
    - 10.0.0.2:7000
    - 10.0.0.3:7000
storage:
  path: ${SHARDKEEP_HOME}/data
recovery:
  chunk_parallelism: 8
  request_timeout: 500ms
  task_timeout: 30s
  skip_fast_path: true
cache:
  negative_ttl: 1m
log:
  level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Node.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("listen = %q", cfg.Node.ListenAddr)
	}

	if cfg.Node.KeyPath != "/srv/shardkeep/node.key" {
		t.Errorf("key path = %q, want expanded", cfg.Node.KeyPath)
	}

	if cfg.Storage.Path != "/srv/shardkeep/data" {
		t.Errorf("storage path = %q, want expanded", cfg.Storage.Path)
	}

	if len(cfg.Node.Peers) != 2 {
		t.Errorf("peers = %v", cfg.Node.Peers)
	}

	if cfg.Recovery.ChunkParallelism != 8 || cfg.Recovery.RequestTimeout != 500*time.Millisecond {
		t.Errorf("recovery = %+v", cfg.Recovery)
	}

	// Unset fields keep their defaults.
	if cfg.Recovery.GlobalParallelism != Default().Recovery.GlobalParallelism {
		t.Errorf("global parallelism = %d, want default", cfg.Recovery.GlobalParallelism)
	}

	if cfg.Node.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnect delay = %s, want default", cfg.Node.ReconnectDelay)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	rc := cfg.RecoveryConfig()
	if rc.ChunkParallelism != 8 || rc.TaskTimeout != 30*time.Second || !rc.SkipFastPath || rc.NegativeTTL != time.Minute {
		t.Errorf("RecoveryConfig = %+v", rc)
	}

	if rc.Escalation == nil {
		t.Error("RecoveryConfig lost the escalation function")
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "recovery: [not, a, map]\n")
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for malformed file")
	}

	path = writeConfig(t, "recovery:\n  task_timeout: soon\n")
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Node.ListenAddr = ""
	cfg.Recovery.ChunkParallelism = 0
	cfg.Recovery.RequestTimeout = time.Hour
	cfg.Cache.Bytes = -1
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	for _, want := range []string{
		"node.listen",
		"recovery.chunk_parallelism",
		"request_timeout exceeds",
		"cache.bytes",
		"log.level",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
