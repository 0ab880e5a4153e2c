package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Backend names accepted in storage configs.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// BackendConfig is the per-artifact storage_config document. An artifact
// without one uses the registry default backend.
type BackendConfig struct {
	Backend  string `json:"backend"`
	Dir      string `json:"dir,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Factory hands out blob backends: the registry default, or one built from
// an artifact's own storage config. Built backends are cached per config
// document so clients are reused.
type Factory struct {
	fallback Blobs

	mu    sync.Mutex
	cache map[string]Blobs
}

// NewFactory wraps the registry default backend.
func NewFactory(fallback Blobs) *Factory {
	return &Factory{fallback: fallback, cache: make(map[string]Blobs)}
}

// Build constructs a backend from a parsed config.
func Build(ctx context.Context, cfg BackendConfig) (Blobs, error) {
	switch cfg.Backend {
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/blobs"
		}
		return NewFileBlobs(dir)
	case BackendS3:
		return NewS3Blobs(ctx, S3Config{
			Bucket: cfg.Bucket, Region: cfg.Region,
			Endpoint: cfg.Endpoint, Prefix: cfg.Prefix,
		})
	case BackendGCS:
		return NewGCSBlobs(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// For resolves the backend for an artifact's storage_config document. A
// nil or empty document means the default backend.
func (f *Factory) For(ctx context.Context, doc json.RawMessage) (Blobs, error) {
	if len(doc) == 0 || string(doc) == "null" || string(doc) == "{}" {
		return f.fallback, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.cache[string(doc)]; ok {
		return b, nil
	}

	var cfg BackendConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("storage: parse storage config: %w", err)
	}
	b, err := Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.cache[string(doc)] = b
	return b, nil
}
