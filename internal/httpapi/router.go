// Package httpapi assembles the HTTP surface of the circulation service.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"libracirc/internal/audit"
	"libracirc/internal/auth"
	"libracirc/internal/catalog"
	"libracirc/internal/errkind"
	"libracirc/internal/httpapi/render"
	"libracirc/internal/lending"
	"libracirc/internal/membership"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CounterSource exposes the in-process metric counters.
type CounterSource interface {
	Counters(ctx context.Context) (map[string]int64, error)
}

// Services are the components served by the router. Counters may be nil.
type Services struct {
	Catalog  catalog.Service
	Members  membership.Service
	Lending  lending.Service
	Auth     auth.Service
	Audit    *audit.Store
	Store    Pinger
	Counters CounterSource
}

// Options tunes the router.
type Options struct {
	AuthRequired   bool
	RequestTimeout time.Duration
}

// NewRouter mounts every endpoint under /api/v1 plus /healthz.
func NewRouter(s Services, logger *slog.Logger, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", healthz(s.Store, logger))

	authHandler := auth.NewHandler(s.Auth, logger)
	r.Route("/api/v1", func(r chi.Router) {
		authHandler.Routes(r)

		r.Group(func(r chi.Router) {
			if opts.AuthRequired {
				r.Use(auth.Middleware(s.Auth, logger))
			}
			authHandler.ProtectedRoutes(r)
			catalog.NewHandler(s.Catalog, logger).Routes(r)
			membership.NewHandler(s.Members, logger).Routes(r)
			lending.NewHandler(s.Lending, logger).Routes(r)
			r.Get("/events", events(s.Audit, logger))
			r.Get("/loans/{id}/events", history(s.Audit, audit.Loan, logger))
			r.Get("/items/{id}/events", history(s.Audit, audit.Item, logger))
			r.Get("/members/{id}/events", history(s.Audit, audit.Member, logger))
			if s.Counters != nil {
				r.Get("/statistics/counters", counters(s.Counters, logger))
			}
		})
	})
	return r
}

func healthz(store Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.PingContext(r.Context()); err != nil {
			logger.WarnContext(r.Context(), "health check failed", "error", err)
			render.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		render.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func events(store *audit.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				render.Error(w, r, logger, errkind.ErrInvalid.With("after must be a non-negative integer"))
				return
			}
			after = n
		}
		limit, err := render.QueryInt(r, "limit", 0)
		if err != nil {
			render.Error(w, r, logger, err)
			return
		}

		list, err := store.Stream(r.Context(), after, limit)
		if err != nil {
			render.Error(w, r, logger, err)
			return
		}
		render.JSON(w, http.StatusOK, map[string]any{"events": list})
	}
}

// history serves the audit trail of one aggregate, oldest version first.
func history(store *audit.Store, aggregateType string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		list, err := store.Load(r.Context(), aggregateType, id)
		if err != nil {
			render.Error(w, r, logger, err)
			return
		}
		if len(list) == 0 {
			render.Error(w, r, logger, audit.ErrNoEvents.With("%s %s", aggregateType, id))
			return
		}
		render.JSON(w, http.StatusOK, map[string]any{"events": list})
	}
}

func counters(src CounterSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := src.Counters(r.Context())
		if err != nil {
			render.Error(w, r, logger, err)
			return
		}
		render.JSON(w, http.StatusOK, values)
	}
}

// requestLogger logs one line per request, tagged with the chi request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := middleware.GetReqID(r.Context())
			if id == "" {
				id = uuid.NewString()
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request served",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
			)
		})
	}
}
