// Package auth implements the WebSocket admission handshake: bearer token
// extraction, origin allow-listing and token verification.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wailbentafat/ws-gateway/protocol"
)

// Error is a handshake rejection. Reason is sent in-band as an auth.error
// event before the connection is closed with Code.
type Error struct {
	Reason string
	Code   int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Reason so wrapped verification failures still compare
// equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrMissingToken    = &Error{Reason: "missing_token", Code: protocol.CloseUnauthorized}
	ErrForbiddenOrigin = &Error{Reason: "forbidden_origin", Code: protocol.CloseForbiddenOrigin}
	ErrInvalidToken    = &Error{Reason: "invalid_token", Code: protocol.CloseUnauthorized}
	ErrUnauthorized    = &Error{Reason: "unauthorized", Code: protocol.CloseUnauthorized}
)

// Claims is the verified identity of a connection.
type Claims struct {
	Subject string
	UserID  string
	// Mode is the strategy that produced the claims, "jwt" or "dev".
	Mode string
	Alg  string
	Raw  map[string]any
}

// Verifier turns a raw bearer token into claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// Authenticator runs the handshake for one deployment. A nil Verifier
// rejects every token with ErrUnauthorized.
type Authenticator struct {
	verifier Verifier
	origins  map[string]struct{}
}

// New returns an Authenticator. An empty allowedOrigins list disables the
// origin check.
func New(verifier Verifier, allowedOrigins []string) *Authenticator {
	a := &Authenticator{verifier: verifier}
	if len(allowedOrigins) > 0 {
		a.origins = make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			if o = strings.TrimSpace(o); o != "" {
				a.origins[o] = struct{}{}
			}
		}
	}
	return a
}

// Authenticate checks the token, then the origin, then verifies the token.
// The returned error is always an *Error.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, ErrMissingToken
	}

	if !a.originAllowed(r.Header.Get("Origin")) {
		return nil, ErrForbiddenOrigin
	}

	if a.verifier == nil {
		return nil, ErrUnauthorized
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &Error{Reason: ErrInvalidToken.Reason, Code: ErrInvalidToken.Code, Err: err}
	}
	return claims, nil
}

func (a *Authenticator) originAllowed(origin string) bool {
	if len(a.origins) == 0 || origin == "" {
		return true
	}
	_, ok := a.origins[origin]
	return ok
}

// ExtractToken reads "Authorization: Bearer <token>", falling back to the
// "token" query parameter.
func ExtractToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > len("bearer ") && strings.EqualFold(h[:len("bearer ")], "bearer ") {
			if t := strings.TrimSpace(h[len("bearer "):]); t != "" {
				return t
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ParseOrigins splits a comma separated origin list.
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Select picks the verifier for a deployment: JWT when a secret is
// configured, the dev verifier when allowDev is set, nothing otherwise.
func Select(secret, alg string, allowDev bool) (Verifier, error) {
	if secret != "" {
		v, err := NewJWTVerifier([]byte(secret), alg)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		return v, nil
	}
	if allowDev {
		return NewDevVerifier()
	}
	return nil, nil
}
