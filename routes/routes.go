package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/upb/llm-echelon/app"
	"github.com/upb/llm-echelon/handlers"
	"github.com/upb/llm-echelon/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	health := handlers.NewHealthHandler(db, deps.TaskGroups, deps.Logger)
	groups := handlers.NewTaskGroupHandler(deps.TaskGroups, deps.Logger)
	pools := handlers.NewPoolHandler(deps.Pools, deps.Providers, deps.Logger)

	var events handlers.EventLister
	if deps.Audit != nil {
		events = deps.Audit
	}
	route := handlers.NewRouteHandler(deps.Router, deps.Metrics, events, deps.Logger)

	// admin guards mutating endpoints when admin tokens are configured
	admin := func(h http.HandlerFunc) http.Handler {
		if deps.AuthMiddleware == nil {
			return h
		}
		return deps.AuthMiddleware.RequireAdmin(h)
	}

	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)
	r.Handle("/metrics", deps.Prometheus.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/task-groups", func(r chi.Router) {
			r.Get("/", groups.HandleList)
			r.Method(http.MethodPost, "/", admin(groups.HandleCreate))
			r.Get("/health", groups.HandleHealth)
			r.Get("/statistics", groups.HandleStatistics)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", groups.HandleGet)
				r.Method(http.MethodPatch, "/", admin(groups.HandleUpdate))
				r.Method(http.MethodDelete, "/", admin(groups.HandleDelete))
				r.Get("/models", groups.HandleModels)
				r.Get("/fallbacks", groups.HandleFallbacks)
				r.Get("/echelons/{echelon}", groups.HandleEchelon)
			})
		})

		r.Get("/references/{ref}", route.HandleReference)

		r.Route("/route", func(r chi.Router) {
			r.Post("/", route.HandleRoute)
			r.Get("/metrics", route.HandleMetrics)
			r.Get("/events", route.HandleEvents)
		})

		r.Route("/pools", func(r chi.Router) {
			r.Get("/", pools.HandleList)
			r.Method(http.MethodPost, "/", admin(pools.HandleCreate))
			r.Get("/statistics", pools.HandleStatistics)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", pools.HandleGet)
				r.Method(http.MethodDelete, "/", admin(pools.HandleDelete))
				r.Post("/complete", pools.HandleComplete)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusNotFound, "endpoint not found", nil)
	})

	return r
}

// requestLogger writes one structured line per request through the app logger
func requestLogger(deps *app.Dependencies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			deps.Logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
