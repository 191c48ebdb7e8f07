package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"accredit/internal/platform/logger"
	"accredit/internal/verification/models"
	"accredit/internal/verification/service"
	"accredit/internal/verification/signature"
	"accredit/internal/verification/store"
	id "accredit/pkg/domain"
	outboxmem "accredit/pkg/platform/outbox/memory"
	"accredit/pkg/testutil"
)

const (
	accessKey = "vendor-key"
	secret    = "vendor-secret"
)

type HandlerSuite struct {
	suite.Suite
	now     time.Time
	outbox  *outboxmem.Store
	store   *store.InMemory
	service *service.Service
	router  chi.Router
	learner id.LearnerID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.outbox = outboxmem.New()
	s.store = store.NewInMemory(s.outbox)
	svc, err := service.New(s.store, 365*24*time.Hour, service.WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.service = svc
	s.router = chi.NewRouter()
	New(svc, signature.NewVerifier(accessKey, secret), logger.Discard(), nil).Register(s.router)
	s.learner = id.LearnerID(uuid.New())
}

func (s *HandlerSuite) submitted() models.Attempt {
	ctx := context.Background()
	a, err := s.service.Submit(ctx, service.SubmitRequest{LearnerID: s.learner, FaceImageKey: "f", IDImageKey: "i"})
	s.Require().NoError(err)
	return a
}

func (s *HandlerSuite) callback(receipt, result string, sign func(*http.Request, []byte)) *httptest.ResponseRecorder {
	body, err := json.Marshal(map[string]string{
		"EdX-ID":      receipt,
		"Result":      result,
		"Reason":      "",
		"MessageType": "",
	})
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodPost, "/verify_student/results_callback", bytes.NewReader(body))
	req.Header.Set("Date", s.now.Format(http.TimeFormat))
	req.Header.Set("Content-Type", "application/json")
	sign(req, body)
	return testutil.Serve(s.router, testutil.AtTime(req, s.now))
}

func signed(req *http.Request, body []byte) {
	req.Header.Set("Authorization", signature.Header(accessKey, secret, req.Method, req.Header.Get("Date"), body))
}

func (s *HandlerSuite) TestResultsCallback() {
	a := s.submitted()
	events := len(s.outbox.All())

	s.Run("bad signature leaves the store untouched", func() {
		rr := s.callback(a.ReceiptID, "PASS", func(req *http.Request, body []byte) {
			req.Header.Set("Authorization", signature.Header(accessKey, "wrong", req.Method, req.Header.Get("Date"), body))
		})
		testutil.AssertError(s.T(), rr, http.StatusUnauthorized, "signature_invalid")

		got, err := s.store.Get(context.Background(), a.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusSubmitted, got.Status)
		s.Len(s.outbox.All(), events)
	})

	s.Run("wrong access key", func() {
		rr := s.callback(a.ReceiptID, "PASS", func(req *http.Request, body []byte) {
			req.Header.Set("Authorization", signature.Header("other", secret, req.Method, req.Header.Get("Date"), body))
		})
		testutil.AssertError(s.T(), rr, http.StatusUnauthorized, "signature_invalid")
	})

	s.Run("pass approves", func() {
		rr := s.callback(a.ReceiptID, "PASS", signed)
		s.Equal(http.StatusOK, rr.Code)
		s.Equal("OK!", rr.Body.String())

		got, err := s.store.Get(context.Background(), a.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, got.Status)
		s.Len(s.outbox.All(), events+1)
	})

	s.Run("duplicate is acknowledged without a second event", func() {
		rr := s.callback(a.ReceiptID, "PASS", signed)
		s.Equal(http.StatusOK, rr.Code)
		s.Len(s.outbox.All(), events+1)
	})

	s.Run("unknown receipt", func() {
		rr := s.callback("missing", "PASS", signed)
		testutil.AssertError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

func (s *HandlerSuite) TestRepeatedSystemFailIsAcknowledged() {
	a := s.submitted()
	before := len(s.outbox.All())

	for range 2 {
		rr := s.callback(a.ReceiptID, "SYSTEM FAIL", signed)
		s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	}

	got, err := s.store.Get(context.Background(), a.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusMustRetry, got.Status)
	s.Len(s.outbox.All(), before+1, "one VerificationChanged for the redelivered verdict")
}

func (s *HandlerSuite) TestSubmit() {
	s.Run("first submission without an ID photo", func() {
		req := testutil.JSONRequest(s.T(), http.MethodPost, "/verify_student/submit", map[string]string{
			"learner_id": s.learner.String(),
			"face_image": "face-1",
		})
		rr := testutil.Serve(s.router, req)
		testutil.AssertError(s.T(), rr, http.StatusBadRequest, "photo_required")
	})

	s.Run("submission with both photos", func() {
		req := testutil.JSONRequest(s.T(), http.MethodPost, "/verify_student/submit", map[string]string{
			"learner_id": s.learner.String(),
			"face_image": "face-1",
			"id_image":   "id-1",
		})
		rr := testutil.Serve(s.router, req)
		s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
		resp := testutil.Decode[attemptResponse](s.T(), rr)
		s.Equal("submitted", resp.Status)
		s.NotEmpty(resp.ReceiptID)
	})

	s.Run("invalid learner id", func() {
		req := testutil.JSONRequest(s.T(), http.MethodPost, "/verify_student/submit", map[string]string{
			"learner_id": "nope",
			"face_image": "face-1",
		})
		rr := testutil.Serve(s.router, req)
		testutil.AssertError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("malformed body", func() {
		req := testutil.JSONRequest(s.T(), http.MethodPost, "/verify_student/submit", "{")
		rr := testutil.Serve(s.router, req)
		testutil.AssertError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})
}

func (s *HandlerSuite) TestStatus() {
	req := httptest.NewRequest(http.MethodGet, "/verify_student/status/"+s.learner.String(), nil)
	rr := testutil.Serve(s.router, testutil.AtTime(req, s.now))
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(service.UserStatusNone, testutil.Decode[service.UserStatus](s.T(), rr).Status)

	s.submitted()
	rr = testutil.Serve(s.router, testutil.AtTime(httptest.NewRequest(http.MethodGet, "/verify_student/status/"+s.learner.String(), nil), s.now))
	s.Require().Equal(http.StatusOK, rr.Code)
	status := testutil.Decode[service.UserStatus](s.T(), rr)
	s.Equal(service.UserStatusPending, status.Status)
	s.True(status.ShouldDisplay)

	rr = testutil.Serve(s.router, httptest.NewRequest(http.MethodGet, "/verify_student/status/bad", nil))
	testutil.AssertError(s.T(), rr, http.StatusBadRequest, "invalid_input")
}
