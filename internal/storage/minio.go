package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioOptions configures a MinioChunkStore.
type MinioOptions struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
}

// MinioChunkStore keeps chunks as objects chunks/<blobID>/<seq> in one bucket.
type MinioChunkStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinioChunkStore initializes a new MinIO client and ensures the bucket exists.
func NewMinioChunkStore(ctx context.Context, opts MinioOptions) (*MinioChunkStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioChunkStore{
		client:     client,
		bucketName: opts.BucketName,
	}, nil
}

// PutChunk uploads a chunk to MinIO with tracing
func (mc *MinioChunkStore) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	objectKey := ChunkKey(blobID, seq)
	ctx, span := tracer.Start(ctx, "minio.put_chunk",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload chunk: %w", err)
	}
	return nil
}

// GetChunk downloads a chunk from MinIO with tracing
func (mc *MinioChunkStore) GetChunk(ctx context.Context, blobID string, seq int) ([]byte, error) {
	objectKey := ChunkKey(blobID, seq)
	ctx, span := tracer.Start(ctx, "minio.get_chunk",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
		),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// DeleteChunks removes every object under chunks/<blobID>/.
func (mc *MinioChunkStore) DeleteChunks(ctx context.Context, blobID string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_chunks",
		trace.WithAttributes(
			attribute.String("blob_id", blobID),
		),
	)
	defer span.End()

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		for obj := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
			Prefix:    chunkDir(blobID),
			Recursive: true,
		}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	// the error channel must be drained for RemoveObjects to finish
	var removeErr error
	for rerr := range mc.client.RemoveObjects(ctx, mc.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if removeErr == nil {
			removeErr = fmt.Errorf("failed to delete chunk %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	if removeErr != nil {
		span.RecordError(removeErr)
		return removeErr
	}

	select {
	case err := <-listErr:
		span.RecordError(err)
		return fmt.Errorf("failed to list chunks: %w", err)
	default:
	}
	return nil
}

// WalkBlobIDs lists the chunks/ prefix one level deep; each common prefix is a blob id.
func (mc *MinioChunkStore) WalkBlobIDs(ctx context.Context, fn func(blobID string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
		Prefix:    chunkPrefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list blobs: %w", obj.Err)
		}
		blobID := strings.TrimSuffix(strings.TrimPrefix(obj.Key, chunkPrefix), "/")
		if blobID == "" {
			continue
		}
		if err := fn(blobID); err != nil {
			return err
		}
	}
	return nil
}
