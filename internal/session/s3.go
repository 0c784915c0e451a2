package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the remote mirror location.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores and
	// switches to path-style addressing.
	Endpoint string
}

// S3BlobStore is a BlobStore backed by an S3 bucket.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3BlobStore loads the default AWS credential chain and returns a store
// for cfg.Bucket.
func NewS3BlobStore(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3BlobStore{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// List returns every key under prefix.
func (c *S3BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	c.logger.Debug("S3 LIST", "bucket", c.bucket, "prefix", prefix)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 ListObjects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Get retrieves an object.
func (c *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.logger.Debug("S3 GET", "bucket", c.bucket, "key", key)

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

// Put stores an object.
func (c *S3BlobStore) Put(ctx context.Context, key string, data []byte) error {
	c.logger.Debug("S3 PUT", "bucket", c.bucket, "key", key, "size", len(data))

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}

// Delete removes an object.
func (c *S3BlobStore) Delete(ctx context.Context, key string) error {
	c.logger.Debug("S3 DELETE", "bucket", c.bucket, "key", key)

	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("S3 DeleteObject failed: %w", err)
	}
	return nil
}

var _ BlobStore = (*S3BlobStore)(nil)
