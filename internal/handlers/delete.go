package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/voicevault/internal/blobstore"
	"github.com/maneesh/voicevault/internal/metrics"
)

// DeleteHandler handles audio delete requests
type DeleteHandler struct {
	store   *blobstore.Store
	metrics *metrics.Metrics
}

// NewDeleteHandler creates a new delete handler
func NewDeleteHandler(store *blobstore.Store, m *metrics.Metrics) *DeleteHandler {
	return &DeleteHandler{store: store, metrics: m}
}

// ServeHTTP handles DELETE /api/chat/audio/{id}
func (dh *DeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := tracer.Start(r.Context(), "delete_audio",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx)

	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("blob_id", id))

	existed, err := dh.store.Delete(ctx, id)
	if err != nil {
		span.RecordError(err)
		status, label := statusFor(err)
		dh.metrics.Observe("delete", label, started)
		logger.Error().Err(err).Str("blob_id", id).Msg("delete failed")
		writeError(w, status, errorMessage(status, err))
		return
	}
	span.SetAttributes(attribute.Bool("existed", existed))

	if !existed {
		dh.metrics.Observe("delete", metrics.StatusNotFound, started)
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}

	dh.metrics.Observe("delete", metrics.StatusOK, started)
	logger.Info().Str("blob_id", id).Msg("audio deleted")
	w.WriteHeader(http.StatusNoContent)
}
