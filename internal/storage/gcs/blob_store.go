// Package gcs provides a blob store backed by Google Cloud Storage. Object
// writes in GCS are atomic on Close, so checkpoints are never observed half
// written.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/feedsentry/feedsentry/internal/store"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	// Bucket is the bucket all objects are written to.
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object name, e.g. "checkpoints/".
	Prefix string `mapstructure:"prefix"`
}

// BlobStore reads and writes objects in a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Put uploads data under name, replacing any existing object.
func (s *BlobStore) Put(ctx context.Context, name string, data []byte) error {
	objName, err := s.resolve(name)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(objName).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Get downloads the object's contents, or store.ErrNotFound.
func (s *BlobStore) Get(ctx context.Context, name string) ([]byte, error) {
	objName, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(objName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (s *BlobStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("object name is required")
	}
	return s.prefix + name, nil
}
