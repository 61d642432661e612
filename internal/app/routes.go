package app

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"tracker.transitwatch.org/internal/middleware"
)

// Routes registers the HTTP endpoints and returns the final handler:
//
//   - GET /v1/healthcheck: operational status and partition counts.
//   - GET /v1/vehicles: vehicles with a recent prediction update.
//   - GET /metrics: Prometheus exposition, served from a short-lived cache.
//
// The router is wrapped with the Sentry and security header middlewares.
func (app *Application) Routes(ctx context.Context) http.Handler {
	router := httprouter.New()

	router.HandlerFunc(http.MethodGet, "/v1/healthcheck", app.healthcheckHandler)
	router.HandlerFunc(http.MethodGet, "/v1/vehicles", app.vehiclesHandler)
	router.Handler(http.MethodGet, "/metrics", middleware.NewCachedPromHandler(ctx, prometheus.DefaultGatherer, 10*time.Second))

	handler := middleware.SentryMiddleware(router)
	return middleware.SecurityHeaders(handler)
}
