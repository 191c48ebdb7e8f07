// Package signature signs and verifies verification-vendor requests:
// base64(HMAC-SHA256(secret, method + "\n" + date + "\n" + body)) carried as
// "Authorization: SSI <access_key>:<signature>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	dErrors "accredit/pkg/domain-errors"
)

const Scheme = "SSI"

// Sign returns the base64 signature for one request.
func Sign(secret, method, date string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(date))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Header builds the Authorization header value.
func Header(accessKey, secret, method, date string, body []byte) string {
	return Scheme + " " + accessKey + ":" + Sign(secret, method, date, body)
}

// Verifier checks inbound callbacks against the configured key pair.
type Verifier struct {
	accessKey string
	secret    string
}

func NewVerifier(accessKey, secret string) *Verifier {
	return &Verifier{accessKey: accessKey, secret: secret}
}

// Verify checks the Authorization header of r against body. Every mismatch
// is reported as signature_invalid without saying which part failed.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	invalid := dErrors.New(dErrors.CodeSignatureInvalid, "invalid request signature")

	scheme, creds, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != Scheme {
		return invalid
	}
	accessKey, sig, ok := strings.Cut(creds, ":")
	if !ok || v.secret == "" {
		return invalid
	}
	if !hmac.Equal([]byte(accessKey), []byte(v.accessKey)) {
		return invalid
	}
	expected := Sign(v.secret, r.Method, r.Header.Get("Date"), body)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return invalid
	}
	return nil
}
