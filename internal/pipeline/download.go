package pipeline

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/chunker"
	"github.com/maneesh/voicevault/internal/models"
)

// ErrStreamClosed is returned by reads on a closed Stream.
var ErrStreamClosed = errors.New("stream closed")

// Downloader opens committed blobs as byte streams.
type Downloader struct {
	store *blobstore.Store
}

// NewDownloader creates a Downloader over store.
func NewDownloader(store *blobstore.Store) *Downloader {
	return &Downloader{store: store}
}

// Open resolves id and returns a stream over its bytes. An unknown id fails
// with blobstore.ErrNotFound before any stream exists.
func (d *Downloader) Open(ctx context.Context, id string) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Download")
	span.SetAttributes(attribute.String("download.id", id))

	handle, err := d.store.Retrieve(ctx, id)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "open failed")
		}
		span.End()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		meta:   handle.Metadata,
		reader: handle.Reader(ctx),
		cancel: cancel,
		span:   span,
	}, nil
}

// Stream reads a blob's chunks strictly in ascending order. It must be
// closed; Close may be called from another goroutine to abort a read.
type Stream struct {
	meta   *models.BlobMetadata
	reader *chunker.Reader
	cancel context.CancelFunc
	span   trace.Span

	read   atomic.Int64
	closed atomic.Bool
	failed atomic.Bool
}

// Metadata describes the blob being streamed.
func (s *Stream) Metadata() *models.BlobMetadata {
	return s.meta
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrStreamClosed
	}
	n, err := s.reader.Read(p)
	s.read.Add(int64(n))
	return n, s.wrap(err)
}

// WriteTo implements io.WriterTo, handing w one chunk at a time.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStreamClosed
	}
	sink := &sinkWriter{w: w}
	n, err := s.reader.WriteTo(sink)
	s.read.Add(n)
	if err != nil && err == sink.err {
		return n, err
	}
	return n, s.wrap(err)
}

// sinkWriter remembers the destination's error so it is not reported as a
// read failure.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (sw *sinkWriter) Write(p []byte) (int, error) {
	n, err := sw.w.Write(p)
	if err != nil {
		sw.err = err
	}
	return n, err
}

// Close stops further chunk reads. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.span.SetAttributes(attribute.Int64("download.bytes", s.read.Load()))
	s.span.End()
	return nil
}

func (s *Stream) wrap(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if !errors.Is(err, blobstore.ErrReadFailure) {
		err = &blobstore.OpError{Op: "download", ID: s.meta.ID, Sequence: s.reader.Sequence(), Kind: blobstore.ErrReadFailure, Err: err}
	}
	if !s.failed.Swap(true) {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, "read failed")
	}
	return err
}
