// Package gcs stores cover images in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes objects into one bucket.
type BlobStore struct {
	client *storage.Client
	name   string
	prefix string
}

func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	switch {
	case client == nil:
		return nil, errors.New("gcs: client is nil")
	case cfg.Bucket == "":
		return nil, errors.New("gcs: bucket is empty")
	}
	return &BlobStore{
		client: client,
		name:   cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName places p under the configured prefix.
func (s *BlobStore) ObjectName(p string) string {
	return path.Join(s.prefix, strings.TrimLeft(p, "/"))
}

// PutObject streams r into the bucket and returns the gs:// URI of the object.
func (s *BlobStore) PutObject(ctx context.Context, p, contentType string, r io.Reader) (string, error) {
	obj, err := s.object(p)
	if err != nil {
		return "", err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	_, copyErr := io.Copy(w, r)
	closeErr := w.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return "", fmt.Errorf("upload %s: %w", obj.ObjectName(), err)
	}
	return "gs://" + s.name + "/" + obj.ObjectName(), nil
}

// Exists reports whether the object has been written.
func (s *BlobStore) Exists(ctx context.Context, p string) (bool, error) {
	obj, err := s.object(p)
	if err != nil {
		return false, err
	}
	switch _, err := obj.Attrs(ctx); {
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat %s: %w", obj.ObjectName(), err)
	}
	return true, nil
}

func (s *BlobStore) object(p string) (*storage.ObjectHandle, error) {
	if strings.TrimSpace(p) == "" {
		return nil, errors.New("gcs: empty object path")
	}
	return s.client.Bucket(s.name).Object(s.ObjectName(p)), nil
}
