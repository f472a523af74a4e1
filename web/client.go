package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wispberry-tech/travelease/session"
)

// ClientCookie names the cookie holding the client ID.
const ClientCookie = "tv_client"

const clientCookieMaxAge = 365 * 24 * time.Hour

type storeKey struct{}

// StoreFromContext returns the session store attached by the client
// middleware.
func StoreFromContext(ctx context.Context) (*session.Store, bool) {
	store, ok := ctx.Value(storeKey{}).(*session.Store)
	return store, ok && store != nil
}

// clientID returns the client ID carried by r, minting one when the cookie is
// missing or malformed.
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(ClientCookie); err == nil {
		if id, err := ulid.ParseStrict(c.Value); err == nil {
			return id.String()
		}
		slog.Debug("Replacing malformed client cookie", "value", c.Value)
	}

	id := ulid.Make().String()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(clientCookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// clientMiddleware attaches the visitor's session store to the request.
func (s *Server) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, err := s.registry.Acquire(s.clientID(w, r))
		if err != nil {
			slog.Error("Failed to acquire session store", "error", err)
			writeError(w, http.StatusServiceUnavailable, "Service is shutting down")
			return
		}
		ctx := context.WithValue(r.Context(), storeKey{}, store)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// mustStore returns the store of a request that went through the client
// middleware.
func mustStore(r *http.Request) *session.Store {
	store, ok := StoreFromContext(r.Context())
	if !ok {
		panic("web: request has no session store")
	}
	return store
}
