package handlers

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/metrics"
	"github.com/maneesh/voicevault/internal/models"
	"github.com/maneesh/voicevault/internal/pipeline"
)

// ReadHandler handles audio download requests
type ReadHandler struct {
	store      *blobstore.Store
	downloader *pipeline.Downloader
	metrics    *metrics.Metrics
}

// NewReadHandler creates a new read handler
func NewReadHandler(store *blobstore.Store, downloader *pipeline.Downloader, m *metrics.Metrics) *ReadHandler {
	return &ReadHandler{
		store:      store,
		downloader: downloader,
		metrics:    m,
	}
}

// ServeHTTP handles GET and HEAD /api/chat/audio/{id}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		rh.serveHead(w, r)
		return
	}

	started := time.Now()
	ctx, span := tracer.Start(r.Context(), "download_audio",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx)

	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("blob_id", id))

	stream, err := rh.downloader.Open(ctx, id)
	if err != nil {
		status, label := statusFor(err)
		rh.metrics.Observe("download", label, started)
		if status >= http.StatusInternalServerError {
			span.RecordError(err)
			logger.Error().Err(err).Str("blob_id", id).Msg("download failed")
		}
		writeError(w, status, errorMessage(status, err))
		return
	}
	defer stream.Close()

	meta := stream.Metadata()
	setBlobHeaders(w.Header(), meta)
	if notModified(r, meta) {
		rh.metrics.Observe("download", metrics.StatusOK, started)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, stream)
	rh.metrics.AddBytes("out", n)
	span.SetAttributes(attribute.Int64("bytes_sent", n))
	if err != nil {
		// headers are gone; the short body tells the client
		span.RecordError(err)
		rh.metrics.Observe("download", metrics.StatusError, started)
		logger.Error().Err(err).Str("blob_id", id).Int64("sent", n).Msg("download interrupted")
		return
	}

	rh.metrics.Observe("download", metrics.StatusOK, started)
	logger.Debug().
		Str("blob_id", id).
		Int64("size", n).
		Dur("took", time.Since(started)).
		Msg("download completed")
}

func (rh *ReadHandler) serveHead(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := tracer.Start(r.Context(), "stat_audio",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("blob_id", id))

	meta, err := rh.store.Stat(ctx, id)
	if err != nil {
		status, label := statusFor(err)
		rh.metrics.Observe("stat", label, started)
		if status >= http.StatusInternalServerError {
			span.RecordError(err)
			zerolog.Ctx(ctx).Error().Err(err).Str("blob_id", id).Msg("stat failed")
		}
		w.WriteHeader(status)
		return
	}

	setBlobHeaders(w.Header(), meta)
	rh.metrics.Observe("stat", metrics.StatusOK, started)
	if notModified(r, meta) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func setBlobHeaders(h http.Header, meta *models.BlobMetadata) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(meta.Length, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": meta.Filename}))
	h.Set("ETag", etag(meta))
	h.Set("Last-Modified", meta.CreatedAt.UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "private, max-age=31536000, immutable")
	h.Set("Accept-Ranges", "none")
}

func etag(meta *models.BlobMetadata) string {
	return `"` + meta.SHA256 + `"`
}

func notModified(r *http.Request, meta *models.BlobMetadata) bool {
	match := r.Header.Get("If-None-Match")
	return match != "" && (match == "*" || match == etag(meta))
}
