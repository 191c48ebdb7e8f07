package signature

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "accredit/pkg/domain-errors"
)

const (
	date = "Mon, 01 Jun 2026 12:00:00 GMT"
	body = `{"EdX-ID":"r-1","Result":"PASS"}`
)

func signedRequest(auth string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/verify_student/results_callback", strings.NewReader(body))
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", auth)
	return req
}

func TestVerify(t *testing.T) {
	v := NewVerifier("access", "s3cret")

	tests := []struct {
		name  string
		auth  string
		valid bool
	}{
		{"valid", Header("access", "s3cret", http.MethodPost, date, []byte(body)), true},
		{"wrong secret", Header("access", "other", http.MethodPost, date, []byte(body)), false},
		{"wrong access key", Header("nope", "s3cret", http.MethodPost, date, []byte(body)), false},
		{"wrong scheme", "Bearer access:" + Sign("s3cret", http.MethodPost, date, []byte(body)), false},
		{"missing separator", "SSI access", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(signedRequest(tt.auth), []byte(body))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, dErrors.HasCode(err, dErrors.CodeSignatureInvalid))
		})
	}

	t.Run("body tampering", func(t *testing.T) {
		req := signedRequest(Header("access", "s3cret", http.MethodPost, date, []byte(body)))
		err := v.Verify(req, []byte(`{"EdX-ID":"r-1","Result":"FAIL"}`))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeSignatureInvalid))
	})

	t.Run("date is signed", func(t *testing.T) {
		req := signedRequest(Header("access", "s3cret", http.MethodPost, date, []byte(body)))
		req.Header.Set("Date", "Tue, 02 Jun 2026 12:00:00 GMT")
		assert.Error(t, v.Verify(req, []byte(body)))
	})
}
