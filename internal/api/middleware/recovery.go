// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/yubico/u2fval/internal/engine"
	"github.com/yubico/u2fval/internal/utils"
)

// recoveryEnvelope mirrors internal/api's errorEnvelope wire shape (spec
// §6/§7) without importing that package, which would cycle back here.
type recoveryEnvelope struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Recoverer recovers from panics in a handler, logs them at ERROR, and
// reports them through the same CodeInternal wire shape a storage failure
// would produce, so a panicking handler and a failed query are
// indistinguishable to the client.
func Recoverer(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered: %v", rec)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(recoveryEnvelope{
						ErrorCode:    engine.CodeInternal,
						ErrorMessage: "internal server error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
