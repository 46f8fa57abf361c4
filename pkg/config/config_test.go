package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: test
store:
  dir: /tmp/ledgerflow
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port: %d", cfg.Server.Port)
	}
	if cfg.Ingest.BatchSize != 500 {
		t.Fatalf("default batch size: %d", cfg.Ingest.BatchSize)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("default cache backend: %s", cfg.Cache.Backend)
	}
	if cfg.Cache.SlidingWindow != 30*time.Second {
		t.Fatalf("default sliding window: %s", cfg.Cache.SlidingWindow)
	}
	if cfg.Store.PartitionWidth != time.Hour {
		t.Fatalf("default partition width: %s", cfg.Store.PartitionWidth)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing environment", "store:\n  dir: /tmp/x\n"},
		{"missing store dir", "environment: test\n"},
		{"bad cache backend", "environment: test\nstore:\n  dir: /tmp/x\ncache:\n  backend: memcached\n"},
		{"redis without addr", "environment: test\nstore:\n  dir: /tmp/x\ncache:\n  backend: redis\n"},
		{"kafka without brokers", "environment: test\nstore:\n  dir: /tmp/x\nkafka:\n  enabled: true\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: test
store:
  dir: /tmp/original
`)

	t.Setenv("STORE_DIR", "/tmp/overridden")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := LoadWithEnv(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Dir != "/tmp/overridden" {
		t.Fatalf("env override not applied: %s", cfg.Store.Dir)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "a:9092" {
		t.Fatalf("broker override not applied: %v", cfg.Kafka.Brokers)
	}
}
