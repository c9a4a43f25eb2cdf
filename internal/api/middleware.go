package api

import (
	"net/http"
	"strings"
)

// AuthMiddleware creates a middleware that checks for a bearer token or query
// param token. The query param form exists for EventSource clients, which
// cannot set request headers.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if qToken := r.URL.Query().Get("token"); qToken == token {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				if authHeader[7:] == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

// clientID extracts the caller's client id, used to suppress the broadcast
// echo back to the originating tab. Mutation requests send the X-Client-ID
// header; the event stream passes client_id as a query param.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("client_id")
}
