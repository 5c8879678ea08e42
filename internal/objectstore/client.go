// Package objectstore moves job inputs and result archives between the local
// work directory and an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

// Config configures a Client.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every key written by Push.
	Prefix string
}

// Client is a thin wrapper over a minio client bound to one bucket.
type Client struct {
	cli    *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New connects to the endpoint and creates the bucket when it is missing.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fault.Newf(fault.CategoryConfig, "object store", "endpoint and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fault.New(fault.CategoryConfig, "object store", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fault.New(fault.CategoryTransientIO, "check bucket", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fault.New(fault.CategoryTransientIO, "create bucket", err)
		}
		logger.Info("bucket created", "bucket", cfg.Bucket)
	}

	return &Client{cli: cli, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// Fetch downloads objectID into the local file dst.
func (c *Client) Fetch(ctx context.Context, objectID, dst string) error {
	if objectID == "" {
		return fault.Newf(fault.CategoryConfig, "fetch object", "object id is required")
	}
	start := time.Now()

	if _, err := c.cli.StatObject(ctx, c.bucket, objectID, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fault.New(fault.CategoryConfig, "fetch object", fmt.Errorf("object %q not found", objectID))
		}
		return fault.New(fault.CategoryTransientIO, "fetch object", err)
	}
	if err := c.cli.FGetObject(ctx, c.bucket, objectID, dst, minio.GetObjectOptions{}); err != nil {
		return fault.New(fault.CategoryTransientIO, "fetch object", err)
	}

	c.logger.Debug("object fetched", "object", objectID, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Push uploads the local file src under prefix+key and returns the full key.
func (c *Client) Push(ctx context.Context, src, key string) (string, error) {
	full := c.Key(key)
	start := time.Now()

	info, err := c.cli.FPutObject(ctx, c.bucket, full, src, minio.PutObjectOptions{
		ContentType: contentType(src),
	})
	if err != nil {
		return "", fault.New(fault.CategoryResultStorage, "push object", err)
	}

	c.logger.Info("object stored",
		"key", full,
		"bytes", info.Size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return full, nil
}

// Key returns the bucket key Push would write for key.
func (c *Client) Key(key string) string {
	return joinKey(c.prefix, key)
}

// ArchiveKey is the relative key of a job's result archive.
func ArchiveKey(guid, archiveName string) string {
	return path.Join(guid, archiveName)
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".zip":
		return "application/zip"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}
