package service

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
)

// Hasher derives retired identifiers: format with "{}" replaced by
// sha1(salt + lowercase(value)). The last salt is current; earlier ones are
// kept so previously retired names still match.
type Hasher struct {
	usernameFormat string
	emailFormat    string
	salts          []string
}

func NewHasher(usernameFormat, emailFormat string, salts []string) (*Hasher, error) {
	if !strings.Contains(usernameFormat, "{}") || !strings.Contains(emailFormat, "{}") {
		return nil, errors.New("retired formats must contain {}")
	}
	if len(salts) == 0 {
		return nil, errors.New("at least one retirement salt is required")
	}
	return &Hasher{
		usernameFormat: usernameFormat,
		emailFormat:    emailFormat,
		salts:          append([]string(nil), salts...),
	}, nil
}

func digest(salt, value string) string {
	sum := sha1.Sum([]byte(salt + strings.ToLower(value)))
	return hex.EncodeToString(sum[:])
}

func (h *Hasher) current() string {
	return h.salts[len(h.salts)-1]
}

func (h *Hasher) RetiredUsername(original string) string {
	return strings.Replace(h.usernameFormat, "{}", digest(h.current(), original), 1)
}

func (h *Hasher) RetiredEmail(original string) string {
	return strings.Replace(h.emailFormat, "{}", digest(h.current(), original), 1)
}

// AllRetiredUsernames returns the retired username under every salt, oldest
// first.
func (h *Hasher) AllRetiredUsernames(original string) []string {
	out := make([]string, 0, len(h.salts))
	for _, salt := range h.salts {
		out = append(out, strings.Replace(h.usernameFormat, "{}", digest(salt, original), 1))
	}
	return out
}
