package routes

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/birdtag/birdtag/internal/app"
	"github.com/birdtag/birdtag/internal/handler"
	"github.com/birdtag/birdtag/internal/middleware"
)

func SetupRoutes(app *app.App) http.Handler {
	// Handlers
	search := handler.NewSearchHandler(app.QueryService, app.MediaService)
	tags := handler.NewTagHandler(app.TagService)
	subscriptions := handler.NewSubscriptionHandler(app.SubscriptionService)
	media := handler.NewMediaHandler(app.MediaService)
	events := handler.NewEventHandler(app.Dispatcher)
	health := handler.NewHealthHandler(app.DB)

	mux := http.NewServeMux()

	// ============================================================================
	// PUBLIC ROUTES
	// ============================================================================

	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// ============================================================================
	// API ROUTES (/api/v1/*, bearer token + per-owner rate limit)
	// ============================================================================

	rateLimiter := middleware.NewRateLimiter(app.Cfg.RateLimitRPS, app.Cfg.RateLimitBurst)
	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.RequireAuth(app.AuthService),
			rateLimiter.Middleware,
		)
	}

	// Search
	mux.Handle("POST /api/v1/search", protected(search.Search))
	mux.Handle("POST /api/v1/search/species", protected(search.SearchSpecies))
	mux.Handle("POST /api/v1/search/file", protected(search.SearchFile))
	mux.Handle("GET /api/v1/search/thumbnails", protected(search.Thumbnails))
	mux.Handle("POST /api/v1/resolve", protected(search.Resolve))
	mux.Handle("GET /api/v1/stats/species", protected(search.SpeciesStats))

	// Tags
	mux.Handle("POST /api/v1/tags/update", protected(tags.Update))

	// Subscriptions
	mux.Handle("POST /api/v1/subscribe", protected(subscriptions.Subscribe))
	mux.Handle("POST /api/v1/unsubscribe", protected(subscriptions.Unsubscribe))
	mux.Handle("GET /api/v1/subscriptions", protected(subscriptions.List))

	// Media
	mux.Handle("GET /api/v1/media/{id}", protected(media.Get))
	mux.Handle("DELETE /api/v1/media/{id}", protected(media.Delete))
	mux.Handle("POST /api/v1/uploads/presign", protected(media.PresignUpload))

	// ============================================================================
	// WEBHOOKS
	// ============================================================================

	// Object store notifications (S3 / MinIO bucket events or the flat form)
	mux.Handle("POST /events/object-created", middleware.Chain(
		http.HandlerFunc(events.ObjectCreated),
		middleware.RequireWebhookToken(app.Cfg.IngestWebhookToken),
	))

	// Global middleware - executed in order (top to bottom)
	handler := middleware.Chain(
		mux,
		middleware.RequestID, // Must run before logging so the id is attached
		middleware.RequestLogging,
		middleware.Metrics,
	)

	return handler
}
