// Package credentials is the HTTP client for the downstream credentials
// service. Calls carry a service JWT, are bounded by a per-call timeout and
// go through a circuit breaker.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	id "accredit/pkg/domain"
	"accredit/pkg/platform/circuit"
)

const (
	TypeProgram    = "program"
	TypeCourseRun  = "course-run"
	StatusAwarded  = "awarded"
	StatusRevoked  = "revoked"
	AttrVisibleDay = "visible_date"

	// VisibleDateFormat is the layout the credentials service expects for
	// the visible_date attribute.
	VisibleDateFormat = "2006-01-02T15:04:05Z"
)

// ErrCircuitOpen is returned without calling the service while the breaker
// is open.
var ErrCircuitOpen = errors.New("credentials service circuit open")

// StatusError is a non-2xx answer from the credentials service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("credentials service returned %d", e.Status)
}

type Subject struct {
	Type         string `json:"type"`
	ProgramUUID  string `json:"program_uuid,omitempty"`
	CourseRunKey string `json:"course_run_key,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Credential is the body of POST /credentials/.
type Credential struct {
	Username   string      `json:"username"`
	Status     string      `json:"status,omitempty"`
	Credential Subject     `json:"credential"`
	Attributes []Attribute `json:"attributes"`
}

// VisibleDate builds the visible_date attribute.
func VisibleDate(t time.Time) Attribute {
	return Attribute{Name: AttrVisibleDay, Value: t.UTC().Format(VisibleDateFormat)}
}

type TokenIssuer interface {
	Issue() (string, error)
}

type Client struct {
	http    *resty.Client
	tokens  TokenIssuer
	breaker *circuit.Breaker
	tracer  trace.Tracer
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = resty.NewWithClient(c) }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

func WithTracer(t trace.Tracer) Option {
	return func(cl *Client) { cl.tracer = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

func New(baseURL string, tokens TokenIssuer, timeout time.Duration, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("credentials base url is required")
	}
	if tokens == nil {
		return nil, errors.New("credentials token issuer is required")
	}
	c := &Client{
		http:    resty.New(),
		tokens:  tokens,
		breaker: circuit.New("credentials"),
		tracer:  otel.Tracer("accredit/awarding/credentials"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.http.SetBaseURL(baseURL).SetTimeout(timeout)
	return c, nil
}

type credentialRecord struct {
	Status     string `json:"status"`
	Credential struct {
		ProgramUUID string `json:"program_uuid"`
	} `json:"credential"`
}

type credentialPage struct {
	Next    string             `json:"next"`
	Results []credentialRecord `json:"results"`
}

// AwardedPrograms lists the program credentials already awarded to
// username, following pagination links.
func (c *Client) AwardedPrograms(ctx context.Context, username string) ([]id.ProgramUUID, error) {
	ctx, span := c.tracer.Start(ctx, "credentials.list_programs")
	defer span.End()

	var out []id.ProgramUUID
	next := "/credentials/"
	params := map[string]string{"username": username, "type": TypeProgram, "status": StatusAwarded}
	for next != "" {
		var page credentialPage
		req, err := c.request(ctx)
		if err != nil {
			return nil, c.fail(span, err)
		}
		req.SetResult(&page)
		if params != nil {
			req.SetQueryParams(params)
		}
		if _, err := c.do(ctx, span, req, http.MethodGet, next); err != nil {
			return nil, err
		}
		for _, rec := range page.Results {
			if rec.Status != "" && rec.Status != StatusAwarded {
				continue
			}
			program, err := id.ParseProgramUUID(rec.Credential.ProgramUUID)
			if err != nil {
				c.logger.WarnContext(ctx, "skipping malformed program credential",
					"program_uuid", rec.Credential.ProgramUUID,
				)
				continue
			}
			out = append(out, program)
		}
		// next is absolute and already carries the query.
		next, params = page.Next, nil
	}
	span.SetAttributes(attribute.Int("credentials.count", len(out)))
	return out, nil
}

// Post creates or updates one credential. The returned status is the HTTP
// status of the answer, zero when no answer was received.
func (c *Client) Post(ctx context.Context, cred Credential) (int, error) {
	ctx, span := c.tracer.Start(ctx, "credentials.post")
	defer span.End()
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("credential.type", cred.Credential.Type),
			attribute.String("credential.status", cred.Status),
		)
	}
	req, err := c.request(ctx)
	if err != nil {
		return 0, c.fail(span, err)
	}
	req.SetHeader("Content-Type", "application/json").SetBody(cred)
	return c.do(ctx, span, req, http.MethodPost, "/credentials/")
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.tokens.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue service token: %w", err)
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

func (c *Client) do(ctx context.Context, span trace.Span, req *resty.Request, method, url string) (int, error) {
	if !c.breaker.Allow() {
		return 0, c.fail(span, ErrCircuitOpen)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		c.recordFailure(ctx)
		return 0, c.fail(span, fmt.Errorf("%s %s: %w", method, url, err))
	}
	status := resp.StatusCode()
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= http.StatusInternalServerError {
		c.recordFailure(ctx)
	} else {
		c.recordSuccess(ctx)
	}
	if resp.IsError() {
		return status, c.fail(span, &StatusError{Status: status, Body: resp.String()})
	}
	return status, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Client) recordFailure(ctx context.Context) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "credentials circuit opened", "breaker", c.breaker.Name())
	}
}

func (c *Client) recordSuccess(ctx context.Context) {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "credentials circuit closed", "breaker", c.breaker.Name())
	}
}
