// Package storage holds version blobs in content-addressed form. A blob's
// digest ("sha256:<hex>") doubles as its storage reference, so re-uploads
// are idempotent and integrity is checkable on every read.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrBlobNotFound is returned when a digest resolves to no stored blob.
var ErrBlobNotFound = fmt.Errorf("storage: blob not found")

// Blobs is the contract all backends implement. Digests use the
// "sha256:<hex>" form throughout.
type Blobs interface {
	// Put persists data and returns its digest. Idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves a blob by digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether a digest is stored.
	Exists(ctx context.Context, digest string) (bool, error)
	// Delete removes a blob. Deleting an absent digest is a no-op.
	Delete(ctx context.Context, digest string) error
}

// Digest computes the canonical digest of a payload.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// hexOf validates a digest and returns the bare hex part.
func hexOf(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return "", fmt.Errorf("storage: malformed digest %q", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("storage: malformed digest %q: %w", digest, err)
	}
	return raw, nil
}

// FileBlobs stores blobs on the local filesystem, fanned out by the first
// two hex characters to keep directories small.
type FileBlobs struct {
	baseDir string
}

// NewFileBlobs creates the base directory if needed.
func NewFileBlobs(baseDir string) (*FileBlobs, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", baseDir, err)
	}
	return &FileBlobs{baseDir: baseDir}, nil
}

func (f *FileBlobs) path(raw string) string {
	return filepath.Join(f.baseDir, raw[:2], raw)
}

// Put writes through a temp file and renames, so concurrent writers of the
// same blob converge on identical content without locking.
func (f *FileBlobs) Put(_ context.Context, data []byte) (string, error) {
	digest := Digest(data)
	raw := strings.TrimPrefix(digest, "sha256:")
	path := f.path(raw)

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("storage: fanout dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), raw+".*")
	if err != nil {
		return "", fmt.Errorf("storage: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: commit blob: %w", err)
	}
	return digest, nil
}

func (f *FileBlobs) Get(_ context.Context, digest string) ([]byte, error) {
	raw, err := hexOf(digest)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(f.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("storage: open blob: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("storage: read blob: %w", err)
	}
	return data, nil
}

func (f *FileBlobs) Exists(_ context.Context, digest string) (bool, error) {
	raw, err := hexOf(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(f.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("storage: stat blob: %w", err)
}

func (f *FileBlobs) Delete(_ context.Context, digest string) error {
	raw, err := hexOf(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(f.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete blob: %w", err)
	}
	return nil
}
