// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Apply wraps a fully-assembled router with the outer layers that belong
// above request routing rather than inside it: a hard ceiling on ceremony
// latency and response compression. RequestID/RealIP/Logger/Recoverer/
// client identity/CORS are assembled inside NewRouter itself; Apply only
// adds what has to sit outside that chain.
func Apply(handler http.Handler) http.Handler {
	handler = middleware.Timeout(30 * time.Second)(handler)
	handler = middleware.Compress(5)(handler)
	return handler
}
