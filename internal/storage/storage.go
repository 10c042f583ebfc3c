// Package storage wraps the S3-compatible object store (MinIO) that holds
// attachment blobs.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3 batch-delete accepts at most 1000 keys per request.
const deleteBatchSize = 1000

// Config holds the object-store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// ObjectStore deletes attachment blobs by key. The mailer never uploads;
// ingestion does that.
type ObjectStore struct {
	client *s3.Client
	bucket string
}

// New builds a client against the configured MinIO endpoint. Path-style
// addressing is required for MinIO.
func New(cfg Config) *ObjectStore {
	endpointURL := cfg.Endpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		protocol := "http"
		if cfg.UseSSL {
			protocol = "https"
		}
		endpointURL = protocol + "://" + endpointURL
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client := s3.New(s3.Options{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true,
	})

	return &ObjectStore{client: client, bucket: cfg.Bucket}
}

// DeleteByKeys removes the given objects in batches and returns how many
// deletions the store confirmed.
func (o *ObjectStore) DeleteByKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	identifiers := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		identifiers[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}

	deleted := 0
	for i := 0; i < len(identifiers); i += deleteBatchSize {
		end := min(i+deleteBatchSize, len(identifiers))
		batch := identifiers[i:end]

		out, err := o.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(o.bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("delete objects: %w", err)
		}
		deleted += len(batch) - len(out.Errors)
	}

	return deleted, nil
}

// Ping verifies the bucket is reachable. Used by the health endpoint.
func (o *ObjectStore) Ping(ctx context.Context) error {
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", o.bucket, err)
	}
	return nil
}
