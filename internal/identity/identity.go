// Package identity provides anonymous per-device client identity.
//
// A client names itself with the X-Client-ID header or the client_id query
// parameter. Browsers that cannot set headers on an EventSource get an
// anonymous id in a cookie instead.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	CookieName   = "songsync_client_id"
	HeaderName   = "X-Client-ID"
	QueryParam   = "client_id"
	cookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const clientKey contextKey = iota

var (
	anonIDPattern   = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Client identifies the caller of a request.
type Client struct {
	ID string
	// Anonymous is set for cookie ids, which every tab of a browser shares.
	Anonymous bool
	// Fresh is set when the id was minted for this request, so it says
	// nothing about who the caller is.
	Fresh bool
}

// FromContext returns the client stored by Middleware.
func FromContext(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(clientKey).(Client)
	return c, ok
}

// WithClient returns a copy of ctx carrying c.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// ValidClientID reports whether id is acceptable as a client id.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func setCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (Client, error) {
	if c, err := r.Cookie(CookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		setCookie(w, c.Value, isDev)
		return Client{ID: c.Value, Anonymous: true}, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return Client{}, err
	}
	setCookie(w, id, isDev)
	return Client{ID: id, Anonymous: true, Fresh: true}, nil
}

func explicitID(r *http.Request) string {
	if id := r.URL.Query().Get(QueryParam); id != "" {
		return strings.TrimSpace(id)
	}
	return strings.TrimSpace(r.Header.Get(HeaderName))
}

// Middleware resolves the client of every request and stores it in the
// request context. An explicit but malformed client id is rejected with 400.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var client Client
			if id := explicitID(r); id != "" {
				if !ValidClientID(id) {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadRequest)
					_, _ = w.Write([]byte(`{"error":"invalid client id","code":"INVALID_REQUEST"}`))
					return
				}
				client = Client{ID: id}
			} else {
				var err error
				client, err = getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
		})
	}
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
