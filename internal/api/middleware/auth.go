// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const clientNameKey contextKey = "u2fval_client"

// ClientIdentity reads the trusted client-identity header set by upstream
// authentication middleware — e.g. a reverse proxy terminating mTLS or a
// bearer token — and stores it on the request context (spec §4.5). This
// service is not an identity provider, so it never validates credentials
// itself; it only trusts what the header already asserts.
func ClientIdentity(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.Header.Get(header)
			ctx := context.WithValue(r.Context(), clientNameKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientName retrieves the client identity populated by ClientIdentity. An
// empty string means no identity was presented.
func ClientName(r *http.Request) string {
	name, _ := r.Context().Value(clientNameKey).(string)
	return name
}
