// Package objectstore stores pipeline artifacts in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/core/ports"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

const contentType = "application/octet-stream"

// Store implements ports.ArtifactStore on a single bucket.
type Store struct {
	client *minio.Client
	bucket string
}

var _ ports.ArtifactStore = (*Store)(nil)

// Validate checks the connection settings. Empty keys select anonymous
// access.
func Validate(cfg config.MinioConfig) error {
	switch {
	case cfg.Endpoint == "":
		return domain.NewConfigError("artifacts.minio.endpoint is required")
	case cfg.Bucket == "":
		return domain.NewConfigError("artifacts.minio.bucket is required")
	case (cfg.AccessKey == "") != (cfg.SecretKey == ""):
		return domain.NewConfigError("artifacts.minio access_key and secret_key must be set together")
	}
	return nil
}

// NewClient builds a minio client for cfg.
func NewClient(cfg config.MinioConfig) (*minio.Client, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// New connects and makes sure the artifact bucket exists.
func New(ctx context.Context, cfg config.MinioConfig) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure artifact bucket %s: %w", cfg.Bucket, err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// NewWithClient wraps an existing client without touching the bucket.
func NewWithClient(client *minio.Client, bucket string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Put uploads body under key. An unknown size (-1) is spooled into memory
// first so the upload is a single PUT.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if size < 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", key, err)
		}
		body, size = bytes.NewReader(data), int64(len(data))
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("stat artifact %s: %w", key, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", key, err)
	}
	return obj, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact %s: %w", key, err)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
