// Package handlers exposes the blob store over HTTP under /api/chat/audio.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/logging"
	"github.com/maneesh/voicevault/internal/metrics"
	"github.com/maneesh/voicevault/internal/pipeline"
	"github.com/maneesh/voicevault/internal/resolver"
)

var tracer = otel.Tracer("voicevault-handlers")

// Deps are the collaborators the routes are built from. Metrics may be nil.
type Deps struct {
	Store      *blobstore.Store
	Uploader   *pipeline.Uploader
	Downloader *pipeline.Downloader
	Resolver   *resolver.Resolver
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// NewRouter wires every route onto a gorilla/mux router.
func NewRouter(d Deps) *mux.Router {
	router := mux.NewRouter()
	router.Use(logging.Middleware(d.Logger))

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	if d.Metrics != nil {
		router.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}

	collection := strings.TrimSuffix(resolver.AudioPath, "/")
	item := resolver.AudioPath + "{id}"

	write := NewWriteHandler(d.Uploader, d.Resolver, d.Metrics)
	read := NewReadHandler(d.Store, d.Downloader, d.Metrics)
	del := NewDeleteHandler(d.Store, d.Metrics)

	router.Handle(collection, otelhttp.NewHandler(write, "POST "+collection)).Methods(http.MethodPost)
	router.Handle(item, otelhttp.NewHandler(read, "GET "+item)).Methods(http.MethodGet, http.MethodHead)
	router.Handle(item, otelhttp.NewHandler(del, "DELETE "+item)).Methods(http.MethodDelete)

	return router
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// statusFor maps a store or pipeline error to an HTTP status and a metrics
// status label.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		return http.StatusNotFound, metrics.StatusNotFound
	case errors.Is(err, pipeline.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, metrics.StatusAborted
	case errors.Is(err, blobstore.ErrUploadAborted):
		return http.StatusBadRequest, metrics.StatusAborted
	default:
		return http.StatusInternalServerError, metrics.StatusError
	}
}

// errorMessage keeps engine details out of 5xx responses.
func errorMessage(status int, err error) string {
	switch status {
	case http.StatusNotFound:
		return "audio not found"
	case http.StatusRequestEntityTooLarge:
		return pipeline.ErrTooLarge.Error()
	case http.StatusBadRequest:
		return err.Error()
	default:
		return http.StatusText(status)
	}
}
