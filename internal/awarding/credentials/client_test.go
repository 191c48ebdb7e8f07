package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	jwttoken "accredit/internal/jwt_token"
	"accredit/pkg/platform/circuit"
)

type ClientSuite struct {
	suite.Suite
	tokens *jwttoken.ServiceTokens
	server *httptest.Server
	mu     sync.Mutex
	posted []Credential
	status int
	pages  map[string]credentialPage
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	tokens, err := jwttoken.NewServiceTokens("secret", "accredit", "svc")
	s.Require().NoError(err)
	s.tokens = tokens
	s.posted = nil
	s.status = http.StatusCreated
	s.pages = map[string]credentialPage{}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	s.T().Cleanup(s.server.Close)
}

func (s *ClientSuite) serve(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, err := s.tokens.Validate(token); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		var c Credential
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.posted = append(s.posted, c)
		w.WriteHeader(s.status)
	case http.MethodGet:
		page := s.pages[r.URL.Query().Get("page")]
		if r.URL.Query().Get("username") != "alice" {
			page = credentialPage{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}
}

func (s *ClientSuite) client(opts ...Option) *Client {
	c, err := New(s.server.URL, s.tokens, time.Second, opts...)
	s.Require().NoError(err)
	return c
}

func (s *ClientSuite) TestNewRequiresDependencies() {
	_, err := New("", s.tokens, time.Second)
	s.Error(err)
	_, err = New("http://credentials", nil, time.Second)
	s.Error(err)
}

func (s *ClientSuite) TestPostSendsCredentialWithBearer() {
	visible := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	status, err := s.client().Post(context.Background(), Credential{
		Username: "alice",
		Status:   StatusAwarded,
		Credential: Subject{
			Type:         TypeCourseRun,
			CourseRunKey: "course-v1:edX+DemoX+2026",
			Mode:         "verified",
		},
		Attributes: []Attribute{VisibleDate(visible)},
	})
	s.Require().NoError(err)
	s.Equal(http.StatusCreated, status)
	s.Require().Len(s.posted, 1)
	s.Equal("course-v1:edX+DemoX+2026", s.posted[0].Credential.CourseRunKey)
	s.Equal([]Attribute{{Name: "visible_date", Value: "2026-06-01T00:00:00Z"}}, s.posted[0].Attributes)
}

func (s *ClientSuite) TestPostReturnsStatusError() {
	s.status = http.StatusTooManyRequests
	status, err := s.client().Post(context.Background(), Credential{Username: "alice"})
	s.Equal(http.StatusTooManyRequests, status)
	var se *StatusError
	s.Require().True(errors.As(err, &se))
	s.Equal(http.StatusTooManyRequests, se.Status)
}

func (s *ClientSuite) TestAwardedProgramsFollowsPages() {
	first, second, third := uuid.New(), uuid.New(), uuid.New()
	rec := func(u, status string) credentialRecord {
		var r credentialRecord
		r.Status = status
		r.Credential.ProgramUUID = u
		return r
	}
	s.pages[""] = credentialPage{
		Next:    s.server.URL + "/credentials/?username=alice&type=program&page=2",
		Results: []credentialRecord{rec(first.String(), "awarded"), rec("not-a-uuid", "awarded")},
	}
	s.pages["2"] = credentialPage{
		Results: []credentialRecord{rec(second.String(), "awarded"), rec(third.String(), "revoked")},
	}

	programs, err := s.client().AwardedPrograms(context.Background(), "alice")
	s.Require().NoError(err)
	s.Require().Len(programs, 2)
	s.Equal(first.String(), programs[0].String())
	s.Equal(second.String(), programs[1].String())
}

func (s *ClientSuite) TestBreakerOpensOnServerErrors() {
	s.status = http.StatusBadGateway
	now := time.Now()
	breaker := circuit.New("credentials",
		circuit.WithFailureThreshold(2),
		circuit.WithClock(func() time.Time { return now }),
	)
	c := s.client(WithBreaker(breaker))

	for range 2 {
		_, err := c.Post(context.Background(), Credential{Username: "alice"})
		s.Error(err)
	}
	s.True(breaker.IsOpen())

	_, err := c.Post(context.Background(), Credential{Username: "alice"})
	s.ErrorIs(err, ErrCircuitOpen)
	s.Len(s.posted, 2)
}

func (s *ClientSuite) TestClientErrorsDoNotTripBreaker() {
	s.status = http.StatusNotFound
	breaker := circuit.New("credentials", circuit.WithFailureThreshold(1))
	c := s.client(WithBreaker(breaker))
	_, err := c.Post(context.Background(), Credential{Username: "alice"})
	s.Error(err)
	s.False(breaker.IsOpen())
}
