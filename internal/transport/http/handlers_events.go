package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"accredit/internal/events"
	"accredit/internal/ingest"
	"accredit/internal/platform/metrics"
	"accredit/internal/platform/middleware"
	"accredit/pkg/platform/httputil"
)

// Ingestor records inbound events.
type Ingestor interface {
	Grade(ctx context.Context, source string, m ingest.GradeMessage) (events.Event, error)
	Verification(ctx context.Context, source string, m ingest.VerificationMessage) (events.Event, error)
}

type EventsHandler struct {
	ingestor Ingestor
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewEventsHandler(ingestor Ingestor, logger *slog.Logger, m *metrics.Metrics) *EventsHandler {
	return &EventsHandler{ingestor: ingestor, logger: logger, metrics: m}
}

func (h *EventsHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Latency(h.metrics))
		r.Post("/events/grades", h.handleGrade)
		r.Post("/events/verifications", h.handleVerification)
	})
}

type acceptedResponse struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

func (h *EventsHandler) handleGrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[ingest.GradeMessage](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	ev, err := h.ingestor.Grade(ctx, "http", *req)
	h.respond(ctx, w, requestID, ev, err)
}

func (h *EventsHandler) handleVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[ingest.VerificationMessage](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	ev, err := h.ingestor.Verification(ctx, "http", *req)
	h.respond(ctx, w, requestID, ev, err)
}

func (h *EventsHandler) respond(ctx context.Context, w http.ResponseWriter, requestID string, ev events.Event, err error) {
	if err != nil {
		h.logger.WarnContext(ctx, "event rejected",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, acceptedResponse{EventID: ev.ID.String(), Type: string(ev.Type)})
}
