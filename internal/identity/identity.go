// Package identity resolves the dashboard session token and derives the
// per-browser session key used to own wizard and channel state.
//
// All lookups of the session token go through this package; nothing else
// reads the cookie directly.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	// SessionCookieName is written by the external login flow and cleared on logout.
	SessionCookieName = "elysium_atlas_session_token"
	// AnonCookieName identifies a browser that has no session token yet.
	AnonCookieName = "atlas_anon_id"
	// CredentialTokenKey is the single key of an authenticated connect payload.
	CredentialTokenKey = "token"

	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	tokenKey contextKey = iota
	sessionKeyKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// TokenSource resolves the current session token.
// Implementations never fail: absence is reported as ("", false).
type TokenSource interface {
	SessionToken() (string, bool)
}

// RequestSource reads the session token from a request's cookies.
type RequestSource struct {
	r *http.Request
}

// FromRequest returns a TokenSource backed by r. A nil request behaves like
// unavailable storage.
func FromRequest(r *http.Request) RequestSource {
	return RequestSource{r: r}
}

// SessionToken implements TokenSource.
func (s RequestSource) SessionToken() (string, bool) {
	return SessionToken(s.r)
}

// ContextSource reads the token previously stored by Middleware.
type ContextSource struct {
	ctx context.Context
}

// FromContext returns a TokenSource backed by ctx.
func FromContext(ctx context.Context) ContextSource {
	return ContextSource{ctx: ctx}
}

// SessionToken implements TokenSource.
func (s ContextSource) SessionToken() (string, bool) {
	return TokenFromContext(s.ctx)
}

// SessionToken returns the session token carried by r, if any.
func SessionToken(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(c.Value)
	if token == "" {
		return "", false
	}
	return token, true
}

// Credentials builds the socket connect payload for a token lookup result.
// The payload is empty when unauthenticated.
func Credentials(src TokenSource) map[string]string {
	creds := make(map[string]string, 1)
	if src == nil {
		return creds
	}
	if token, ok := src.SessionToken(); ok {
		creds[CredentialTokenKey] = token
	}
	return creds
}

// WithToken stores token in ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext extracts the session token from ctx.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(tokenKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithSessionKey stores the session key in ctx.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

// SessionKeyFromContext extracts the session key from ctx.
func SessionKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyKey).(string); ok {
		return v
	}
	return ""
}

// SessionKey derives a storage key from a token so raw credentials never
// land in the database or logs.
func SessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sess_" + hex.EncodeToString(sum[:16])
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// Middleware resolves the session token and session key for every request.
// A missing token is not an error; the browser gets an anonymous key instead.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token, ok := SessionToken(r); ok {
				ctx = WithToken(ctx, token)
				ctx = WithSessionKey(ctx, SessionKey(token))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			anonID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			ctx = WithSessionKey(ctx, anonID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
