package testutil

import (
	"net/http"
	"time"

	"accredit/pkg/requestcontext"
)

// AtTime pins the request clock, as the RequestID middleware would.
func AtTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

// WithRequestID attaches a correlation ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
