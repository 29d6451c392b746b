package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8082" || cfg.Env != "development" || cfg.Workers != 4 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.TracingEnabled() {
		t.Error("tracing should be off without an endpoint")
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should require DATABASE_URL")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://localhost/medindex")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("API_KEYS", "abc:lab,def:registry")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("WORKERS", "8")

	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9000" || cfg.Workers != 8 || cfg.CacheTTL != 90*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.APIKeys["abc"] != "lab" || cfg.APIKeys["def"] != "registry" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TAXONOMY_FILE=/etc/medindex/taxonomy.yaml\nLOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TaxonomyFile != "/etc/medindex/taxonomy.yaml" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestBadAPIKeys(t *testing.T) {
	t.Setenv("API_KEYS", "no-client")
	if _, err := load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for malformed API_KEYS")
	}
}
