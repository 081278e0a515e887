// Package pipeline adapts request bodies to the blob store and blobs back to
// byte streams. Neither direction holds more than one chunk in memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/chunker"
	"github.com/maneesh/voicevault/internal/models"
)

var tracer = otel.Tracer("voicevault-pipeline")

// TagUploadedAt is set on every upload unless the caller provides it.
const TagUploadedAt = "uploadedAt"

const defaultFilename = "audio"

// ErrTooLarge is the cause of an aborted upload whose body exceeded the limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

var filenameReplacer = strings.NewReplacer("/", "_", "\\", "_")

// Request is one upload.
type Request struct {
	Body        io.Reader
	Filename    string
	ContentType string
	Tags        map[string]string
}

// Result describes a committed upload.
type Result struct {
	ID       string
	Length   int64
	Metadata *models.BlobMetadata
}

// Uploader streams request bodies into a blob store.
type Uploader struct {
	store    *blobstore.Store
	maxBytes int64
	now      func() time.Time
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithMaxBytes aborts uploads whose body is longer than n bytes. Zero
// disables the limit.
func WithMaxBytes(n int64) UploaderOption {
	return func(u *Uploader) {
		u.maxBytes = n
	}
}

// WithUploadClock replaces the time source for filenames and tags.
func WithUploadClock(now func() time.Time) UploaderOption {
	return func(u *Uploader) {
		if now != nil {
			u.now = now
		}
	}
}

// NewUploader creates an Uploader over store.
func NewUploader(store *blobstore.Store, opts ...UploaderOption) *Uploader {
	u := &Uploader{store: store, now: time.Now}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload consumes req.Body to end of stream and returns the id of the new
// blob. A failing or cancelled body yields an error matching
// blobstore.ErrUploadAborted; an engine failure one matching
// blobstore.ErrWriteFailure. Either way no metadata is committed.
func (u *Uploader) Upload(ctx context.Context, req Request) (*Result, error) {
	if req.Body == nil {
		return nil, &blobstore.OpError{Op: "upload", Sequence: -1, Kind: blobstore.ErrUploadAborted, Err: errors.New("no body")}
	}

	now := u.now()
	filename := StoredFilename(now, req.Filename)

	ctx, span := tracer.Start(ctx, "pipeline.Upload")
	defer span.End()
	span.SetAttributes(
		attribute.String("upload.filename", filename),
		attribute.String("upload.content_type", req.ContentType),
	)

	tags := maps.Clone(req.Tags)
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	if _, ok := tags[TagUploadedAt]; !ok {
		tags[TagUploadedAt] = now.UTC().Format(time.RFC3339)
	}

	body := req.Body
	if u.maxBytes > 0 {
		body = &limitedReader{r: body, remaining: u.maxBytes}
	}

	meta, err := u.store.Store(ctx, body, filename, req.ContentType, tags)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return nil, classifyUploadError(err)
	}

	span.SetAttributes(
		attribute.String("upload.id", meta.ID),
		attribute.Int64("upload.length", meta.Length),
	)
	return &Result{ID: meta.ID, Length: meta.Length, Metadata: meta}, nil
}

// StoredFilename prefixes name with the upload time in unix milliseconds.
func StoredFilename(now time.Time, name string) string {
	name = filenameReplacer.Replace(strings.TrimSpace(name))
	if name == "" {
		name = defaultFilename
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), name)
}

func classifyUploadError(err error) error {
	seq := -1
	var srcErr *chunker.SourceError
	switch {
	case errors.As(err, &srcErr):
		seq = srcErr.Sequence
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		return err
	}

	id := ""
	var opErr *blobstore.OpError
	if errors.As(err, &opErr) {
		id = opErr.ID
		if seq < 0 {
			seq = opErr.Sequence
		}
	}
	return &blobstore.OpError{Op: "upload", ID: id, Sequence: seq, Kind: blobstore.ErrUploadAborted, Err: err}
}

// limitedReader fails with ErrTooLarge once more than remaining bytes were read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	return n, err
}
