package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// S3Options configures an S3ChunkStore.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3ChunkStore keeps chunks as objects chunks/<blobID>/<seq> on any S3 endpoint.
type S3ChunkStore struct {
	client *s3.Client
	bucket string
}

// NewS3ChunkStore builds an S3 client and verifies the bucket is reachable.
func NewS3ChunkStore(ctx context.Context, opts S3Options) (*S3ChunkStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket cannot be empty")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %q not accessible: %w", opts.Bucket, err)
	}

	return &S3ChunkStore{client: client, bucket: opts.Bucket}, nil
}

// PutChunk uploads one chunk object.
func (s *S3ChunkStore) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	key := ChunkKey(blobID, seq)
	ctx, span := tracer.Start(ctx, "s3.put_chunk",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("s3 put chunk: %w", err)
	}
	return nil
}

// GetChunk downloads one chunk object.
func (s *S3ChunkStore) GetChunk(ctx context.Context, blobID string, seq int) ([]byte, error) {
	key := ChunkKey(blobID, seq)
	ctx, span := tracer.Start(ctx, "s3.get_chunk",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("s3 get chunk: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("s3 get chunk: %w", err)
	}
	return data, nil
}

// DeleteChunks lists and removes every object under chunks/<blobID>/.
func (s *S3ChunkStore) DeleteChunks(ctx context.Context, blobID string) error {
	ctx, span := tracer.Start(ctx, "s3.delete_chunks",
		trace.WithAttributes(attribute.String("blob_id", blobID)),
	)
	defer span.End()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(chunkDir(blobID)),
	})
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("s3 list chunks: %w", err)
		}
		for _, obj := range page.Contents {
			// S3 delete is already idempotent
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				span.RecordError(err)
				return fmt.Errorf("s3 delete chunk %s: %w", aws.ToString(obj.Key), err)
			}
			deleted++
		}
	}

	span.SetAttributes(attribute.Int("chunks_deleted", deleted))
	return nil
}

// WalkBlobIDs lists chunks/ with a delimiter; each common prefix is a blob id.
func (s *S3ChunkStore) WalkBlobIDs(ctx context.Context, fn func(blobID string) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(chunkPrefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list blobs: %w", err)
		}
		for _, p := range page.CommonPrefixes {
			blobID := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), chunkPrefix), "/")
			if blobID == "" {
				continue
			}
			if err := fn(blobID); err != nil {
				return err
			}
		}
	}
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
