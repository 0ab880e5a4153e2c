package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// GCSBlobs keeps blobs in a Google Cloud Storage bucket, authenticating
// through application default credentials.
type GCSBlobs struct {
	client *gcs.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCS blob backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSBlobs(ctx context.Context, cfg GCSConfig) (*GCSBlobs, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return &GCSBlobs{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSBlobs) object(raw string) *gcs.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + raw)
}

func (g *GCSBlobs) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	raw := strings.TrimPrefix(digest, "sha256:")

	obj := g.object(raw)
	if _, err := obj.Attrs(ctx); err == nil {
		return digest, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: gcs commit: %w", err)
	}
	return digest, nil
}

func (g *GCSBlobs) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := hexOf(digest)
	if err != nil {
		return nil, err
	}
	r, err := g.object(raw).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("storage: gcs get %s: %w", digest, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs read %s: %w", digest, err)
	}
	return data, nil
}

func (g *GCSBlobs) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := hexOf(digest)
	if err != nil {
		return false, err
	}
	if _, err := g.object(raw).Attrs(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: gcs attrs %s: %w", digest, err)
	}
	return true, nil
}

func (g *GCSBlobs) Delete(ctx context.Context, digest string) error {
	raw, err := hexOf(digest)
	if err != nil {
		return err
	}
	if err := g.object(raw).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage: gcs delete %s: %w", digest, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCSBlobs) Close() error {
	return g.client.Close()
}
