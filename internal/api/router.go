// Package api provides HTTP routing and handlers for the u2fval API server.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/yubico/u2fval/internal/api/middleware"
	"github.com/yubico/u2fval/internal/engine"
	"github.com/yubico/u2fval/internal/platform/observability"
	"github.com/yubico/u2fval/internal/utils"
)

// NewRouter builds the full u2fval request router (spec §4.5).
func NewRouter(eng *engine.Engine, clientHeader string, logger *utils.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer(logger))
	r.Use(observability.HTTPMiddleware)
	r.Use(middleware.ClientIdentity(clientHeader))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", clientHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := NewHandlers(eng)

	r.Get("/metrics", observability.Handler().ServeHTTP)
	r.Get("/", h.TrustedFacets)

	r.Route("/{user}", func(r chi.Router) {
		r.Get("/", h.ListDescriptors)
		r.Delete("/", h.DeleteUser)

		r.Get("/register", h.RegisterStart)
		r.Post("/register", h.RegisterComplete)

		r.Get("/sign", h.SignStart)
		r.Post("/sign", h.SignComplete)

		r.Get("/{handle}", h.GetDescriptor)
		r.Post("/{handle}", h.SetProperties)
		r.Delete("/{handle}", h.DeleteDevice)

		r.Get("/{handle}/certificate", h.Certificate)
	})

	return r
}
