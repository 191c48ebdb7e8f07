// Package handler exposes verification submission, learner status and the
// vendor results callback over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"accredit/internal/platform/metrics"
	"accredit/internal/platform/middleware"
	"accredit/internal/verification/models"
	"accredit/internal/verification/service"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/httputil"
	"accredit/pkg/requestcontext"
)

const maxCallbackBytes = 1 << 20

// Service is the verification surface used by the handler.
type Service interface {
	Submit(ctx context.Context, req service.SubmitRequest) (models.Attempt, error)
	ApplyExternalOutcome(ctx context.Context, receiptID string, result service.Result, reason string) (service.Outcome, error)
	UserStatus(ctx context.Context, learner id.LearnerID, now time.Time) (service.UserStatus, error)
}

// Verifier authenticates vendor callbacks.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

type Handler struct {
	logger   *slog.Logger
	service  Service
	verifier Verifier
	metrics  *metrics.Metrics
}

func New(svc Service, verifier Verifier, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, service: svc, verifier: verifier, metrics: m}
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Latency(h.metrics))
		r.Post("/verify_student/results_callback", h.handleResultsCallback)
		r.Post("/verify_student/submit", h.handleSubmit)
		r.Get("/verify_student/status/{learner_id}", h.handleStatus)
	})
}

// callbackRequest is the vendor payload. Field names are fixed by the vendor.
type callbackRequest struct {
	ReceiptID   string `json:"EdX-ID"`
	Result      string `json:"Result"`
	Reason      string `json:"Reason"`
	MessageType string `json:"MessageType"`
}

// handleResultsCallback applies a vendor verdict. The signature is checked
// against the raw body before anything is decoded.
func (h *Handler) handleResultsCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable body"))
		return
	}
	if err := h.verifier.Verify(r, body); err != nil {
		h.logger.WarnContext(ctx, "verification callback rejected",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ReceiptID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid callback body"))
		return
	}

	out, err := h.service.ApplyExternalOutcome(ctx, req.ReceiptID, service.Result(req.Result), req.Reason)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to apply verification outcome",
			"request_id", requestID,
			"receipt_id", req.ReceiptID,
			"result", req.Result,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "verification outcome applied",
		"request_id", requestID,
		"receipt_id", req.ReceiptID,
		"status", out.Attempt.Status,
		"duplicate", out.Duplicate,
		"message_type", req.MessageType,
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK!")
}

type submitRequest struct {
	LearnerID string `json:"learner_id" validate:"required,uuid"`
	FaceImage string `json:"face_image" validate:"required"`
	IDImage   string `json:"id_image,omitempty"`
}

type attemptResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	ReceiptID       string     `json:"receipt_id"`
	CopyIDPhotoFrom string     `json:"copy_id_photo_from,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
}

func toAttemptResponse(a models.Attempt) attemptResponse {
	resp := attemptResponse{
		ID:          a.ID.String(),
		Status:      string(a.Status),
		ReceiptID:   a.ReceiptID,
		SubmittedAt: a.SubmittedAt,
		ErrorCode:   a.ErrorCode,
	}
	if a.CopyIDPhotoFrom != nil {
		resp.CopyIDPhotoFrom = a.CopyIDPhotoFrom.String()
	}
	return resp
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[submitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	learner, err := id.ParseLearnerID(req.LearnerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	a, err := h.service.Submit(ctx, service.SubmitRequest{
		LearnerID:    learner,
		FaceImageKey: req.FaceImage,
		IDImageKey:   req.IDImage,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "verification submission failed",
			"request_id", requestID,
			"learner_id", learner.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toAttemptResponse(a))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	learner, err := id.ParseLearnerID(chi.URLParam(r, "learner_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status, err := h.service.UserStatus(ctx, learner, requestcontext.Now(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}
