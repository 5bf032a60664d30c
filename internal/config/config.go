// Package config loads weave's configuration from a YAML file with
// WEAVE_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Ollama   OllamaConfig   `yaml:"ollama"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Log      LogConfig      `yaml:"log"`
}

type StorageConfig struct {
	// Backend selects the graph store: memory, file, or sqlite.
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
}

type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	EmbedModel string `yaml:"embed_model"`
	InferModel string `yaml:"infer_model"`
}

type AnalysisConfig struct {
	ChunkSize  int `yaml:"chunk_size"`
	RateLimit  int `yaml:"rate_limit"`
	MaxRetries int `yaml:"max_retries"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			InferModel: "mistral-nemo",
		},
		Analysis: AnalysisConfig{
			ChunkSize:  10,
			RateLimit:  60,
			MaxRetries: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "weave")
	}
	return "."
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads configuration: defaults, then the YAML file at path (the
// default location when path is empty; a missing file is not an error),
// then WEAVE_* environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// No config file is fine; defaults and env carry the load.
	case err != nil:
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the rest of the system cannot work with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("storage.backend %q: must be memory, file, or sqlite", c.Storage.Backend)
	}
	if c.Storage.Backend != "memory" && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required for the %s backend", c.Storage.Backend)
	}
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url is required")
	}
	if c.Analysis.ChunkSize <= 0 {
		return fmt.Errorf("analysis.chunk_size %d: must be positive", c.Analysis.ChunkSize)
	}
	if c.Analysis.RateLimit <= 0 {
		return fmt.Errorf("analysis.rate_limit %d: must be positive", c.Analysis.RateLimit)
	}
	if c.Analysis.MaxRetries < 0 {
		return fmt.Errorf("analysis.max_retries %d: must not be negative", c.Analysis.MaxRetries)
	}
	return nil
}

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		env: "WEAVE_STORAGE_BACKEND", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
	},
	{
		env: "WEAVE_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "WEAVE_OLLAMA_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
	},
	{
		env: "WEAVE_OLLAMA_EMBED_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
	},
	{
		env: "WEAVE_OLLAMA_INFER_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Ollama.InferModel = v.(string) },
	},
	{
		env: "WEAVE_ANALYSIS_CHUNK_SIZE", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Analysis.ChunkSize = v.(int) },
	},
	{
		env: "WEAVE_ANALYSIS_RATE_LIMIT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Analysis.RateLimit = v.(int) },
	},
	{
		env: "WEAVE_ANALYSIS_MAX_RETRIES", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Analysis.MaxRetries = v.(int) },
	},
	{
		env: "WEAVE_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
