// Package objectstore wraps the S3-compatible bucket that holds session
// file content. MinIO is the usual deployment target, so the client is
// built with a fixed endpoint and path-style addressing.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kilnrun/kiln/support/config"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// Client stores and retrieves session file blobs.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds a client from the MINIO_* configuration.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ObjectStoreRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.ObjectStoreKey, cfg.ObjectStoreSecret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object store config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStoreURL != "" {
			o.BaseEndpoint = aws.String(cfg.ObjectStoreURL)
		}
		o.UsePathStyle = true
	})
	return &Client{s3: client, bucket: cfg.ObjectStoreBucket}, nil
}

// NewWithClient wraps an existing S3 client; tests use this with a stub
// endpoint.
func NewWithClient(client *s3.Client, bucket string) *Client {
	return &Client{s3: client, bucket: bucket}
}

// EnsureBucket creates the bucket when it does not exist yet. An
// already-owned bucket is success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	_, err = c.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("creating bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Put stores content under key with the given content type.
func (c *Client) Put(ctx context.Context, key string, content []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("storing object %s: %w", key, err)
	}
	return nil
}

// Get returns the content stored under key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return content, nil
}

// Delete removes key. Deleting a missing object is a no-op.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

// Ping backs the /health/minio probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("probing bucket %s: %w", c.bucket, err)
	}
	return nil
}
