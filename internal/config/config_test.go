package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing file should error")
	}

	// The default location may legitimately be absent.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("embed model = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Analysis.ChunkSize != 10 {
		t.Errorf("chunk size = %d, want 10", cfg.Analysis.ChunkSize)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
storage:
  backend: memory
ollama:
  embed_model: all-minilm
analysis:
  chunk_size: 25
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WEAVE_OLLAMA_EMBED_MODEL", "mxbai-embed-large")
	t.Setenv("WEAVE_ANALYSIS_RATE_LIMIT", "120")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q, want memory (file value)", cfg.Storage.Backend)
	}
	if cfg.Analysis.ChunkSize != 25 {
		t.Errorf("chunk size = %d, want 25 (file value)", cfg.Analysis.ChunkSize)
	}
	if cfg.Ollama.EmbedModel != "mxbai-embed-large" {
		t.Errorf("embed model = %q, want env override to win over file", cfg.Ollama.EmbedModel)
	}
	if cfg.Analysis.RateLimit != 120 {
		t.Errorf("rate limit = %d, want 120 (env value)", cfg.Analysis.RateLimit)
	}
}

func TestLoad_Validation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: cassandra\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "storage.backend") {
		t.Fatalf("err = %v, want a storage.backend validation error", err)
	}
}

func TestValidate_Bounds(t *testing.T) {
	cfg := defaults()
	cfg.Analysis.ChunkSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("chunk_size 0 accepted")
	}

	cfg = defaults()
	cfg.Storage.Backend = "file"
	cfg.Storage.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("file backend without data_dir accepted")
	}
}
