// Package proxyerr defines the proxy's error taxonomy and its dual-dialect
// rendering (OpenAI-compat vs Anthropic-native JSON bodies).
package proxyerr

import (
	"errors"
	"fmt"
)

// Kind names the taxonomy entries from the error handling design. These are
// not Go type names — they are a closed set of categories every handler
// error is classified into before it reaches the client.
type Kind string

const (
	AuthMissing    Kind = "auth_missing"
	AuthInvalid    Kind = "auth_invalid"
	NoUpstreamAuth Kind = "no_upstream_auth"
	RateLimited    Kind = "rate_limited"
	InvalidModel   Kind = "invalid_model"
	ModelNotAllowed Kind = "model_not_allowed"
	UpstreamNetwork Kind = "upstream_network"
	UpstreamStatus Kind = "upstream_status"
	Parse          Kind = "parse"
	Database       Kind = "database"
	OAuth          Kind = "oauth"
)

var defaultStatus = map[Kind]int{
	AuthMissing:     401,
	AuthInvalid:     401,
	NoUpstreamAuth:  401,
	RateLimited:     429,
	InvalidModel:    400,
	ModelNotAllowed: 403,
	UpstreamNetwork: 502,
	UpstreamStatus:  502,
	Parse:           502,
	Database:        500,
	OAuth:           500,
}

// Error is the single error type every handler path converts into before
// writing a response. Status, when non-zero, overrides the kind's default
// mapping — used when relaying an upstream status verbatim.
type Error struct {
	Kind    Kind
	Message string
	Status  int
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithStatus returns a copy carrying an explicit HTTP status, for relaying
// an upstream status code verbatim instead of using the kind's default.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus resolves the status code to send to the client.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	if s, ok := defaultStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// OpenAIBody renders the {error: "..."} shape the OpenAI-compat path uses.
func (e *Error) OpenAIBody() map[string]any {
	return map[string]any{"error": e.Message}
}

// AnthropicBody renders the {type:"error", error:{type, message}} shape the
// Anthropic-native path uses.
func (e *Error) AnthropicBody() map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    string(e.Kind),
			"message": e.Message,
		},
	}
}

// As reports whether err is (or wraps) a *Error, mirroring errors.As without
// forcing every call site to import "errors" for this one check.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
