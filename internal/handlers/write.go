package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/voicevault/internal/metrics"
	"github.com/maneesh/voicevault/internal/pipeline"
	"github.com/maneesh/voicevault/internal/resolver"
)

// TagHeaderPrefix marks request headers that become blob tags.
const TagHeaderPrefix = "X-Audio-Tag-"

// multipartField is the form field carrying the audio in multipart uploads.
const multipartField = "audio"

const defaultContentType = "application/octet-stream"

// WriteHandler handles audio upload requests
type WriteHandler struct {
	uploader *pipeline.Uploader
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(uploader *pipeline.Uploader, resolver *resolver.Resolver, m *metrics.Metrics) *WriteHandler {
	return &WriteHandler{
		uploader: uploader,
		resolver: resolver,
		metrics:  m,
	}
}

// WriteResponse represents the response for an upload
type WriteResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Length      int64  `json:"length"`
}

// ServeHTTP handles POST /api/chat/audio?name=filename
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := tracer.Start(r.Context(), "upload_audio",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx)

	req, err := uploadRequest(r)
	if err != nil {
		span.RecordError(err)
		wh.metrics.Observe("upload", metrics.StatusAborted, started)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer req.Body.Close()

	span.SetAttributes(
		attribute.String("file_name", req.Filename),
		attribute.String("content_type", req.ContentType),
	)

	res, err := wh.uploader.Upload(ctx, pipeline.Request{
		Body:        req.Body,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Tags:        req.Tags,
	})
	if err != nil {
		span.RecordError(err)
		status, label := statusFor(err)
		wh.metrics.Observe("upload", label, started)
		logger.Error().Err(err).Str("file_name", req.Filename).Msg("upload failed")
		writeError(w, status, errorMessage(status, err))
		return
	}

	span.SetAttributes(
		attribute.String("blob_id", res.ID),
		attribute.Int64("blob_size", res.Length),
	)
	wh.metrics.Observe("upload", metrics.StatusOK, started)
	wh.metrics.AddBytes("in", res.Length)

	response := WriteResponse{
		ID:          res.ID,
		URL:         wh.resolver.Resolve(res.ID),
		Filename:    res.Metadata.Filename,
		ContentType: res.Metadata.ContentType,
		Length:      res.Length,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", response.URL)
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Warn().Err(err).Msg("failed to write upload response")
	}

	logger.Info().
		Str("blob_id", res.ID).
		Str("file_name", res.Metadata.Filename).
		Int64("size", res.Length).
		Dur("took", time.Since(started)).
		Msg("upload completed")
}

// parsedUpload is an upload extracted from an HTTP request. Body is
// positioned at the first audio byte.
type parsedUpload struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Tags        map[string]string
}

// uploadRequest accepts either a raw audio body or a multipart form whose
// "audio" part holds the file. Neither is buffered.
func uploadRequest(r *http.Request) (*parsedUpload, error) {
	req := &parsedUpload{
		Filename:    r.URL.Query().Get("name"),
		ContentType: r.Header.Get("Content-Type"),
		Tags:        headerTags(r.Header),
	}

	mediaType, _, err := mime.ParseMediaType(req.ContentType)
	if err != nil || mediaType != "multipart/form-data" {
		if req.ContentType == "" {
			req.ContentType = defaultContentType
		}
		req.Body = r.Body
		return req, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	part, err := findPart(mr, multipartField)
	if err != nil {
		return nil, err
	}
	if req.Filename == "" {
		req.Filename = part.FileName()
	}
	req.ContentType = part.Header.Get("Content-Type")
	if req.ContentType == "" {
		req.ContentType = defaultContentType
	}
	req.Body = part
	return req, nil
}

func findPart(mr *multipart.Reader, name string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("multipart body has no %q part", name)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		if part.FormName() == name {
			return part, nil
		}
		_ = part.Close()
	}
}

// headerTags turns X-Audio-Tag-<Key> headers into lower-cased tag keys.
func headerTags(h http.Header) map[string]string {
	var tags map[string]string
	for key, values := range h {
		name, ok := strings.CutPrefix(key, TagHeaderPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if tags == nil {
			tags = make(map[string]string)
		}
		tags[strings.ToLower(name)] = values[0]
	}
	return tags
}
