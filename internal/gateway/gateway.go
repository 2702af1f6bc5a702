package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/creditflow/metergate/internal/catalog"
	"github.com/creditflow/metergate/internal/ledger"
	"github.com/creditflow/metergate/internal/pricing"
	"github.com/creditflow/metergate/internal/relay"
	"github.com/creditflow/metergate/pkg/cache"
	"github.com/creditflow/metergate/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Gateway handles API requests
type Gateway struct {
	db          *database.Database
	cache       *cache.Cache
	logger      *zap.Logger
	catalog     *catalog.Catalog
	estimator   *pricing.Estimator
	ledger      ledger.Ledger
	proxy       *relay.Proxy
	rateLimiter *RateLimiter
	router      *chi.Mux
}

// NewGateway creates a new API gateway
func NewGateway(db *database.Database, c *cache.Cache, logger *zap.Logger, cat *catalog.Catalog, est *pricing.Estimator, led ledger.Ledger, proxy *relay.Proxy, requestsPerMinute int) *Gateway {
	g := &Gateway{
		db:          db,
		cache:       c,
		logger:      logger,
		catalog:     cat,
		estimator:   est,
		ledger:      led,
		proxy:       proxy,
		rateLimiter: NewRateLimiter(c, logger, requestsPerMinute),
		router:      chi.NewRouter(),
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	g.registerMetrics()

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Metered endpoints (require caller identity)
	g.router.Group(func(r chi.Router) {
		r.Use(g.identityMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/v1/chat", g.handleChat)
		r.Post("/v1/generate", g.handleGenerate)
		r.Post("/v1/estimate", g.handleEstimate)

		r.Get("/v1/balance", g.handleBalance)
		r.Get("/v1/transactions", g.handleTransactions)
		r.Get("/v1/models", g.handleListModels)
		r.Get("/v1/models/{model}", g.handleGetModel)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// identityMiddleware resolves the caller identity. Authentication itself
// happens at the edge in front of this service; by the time a request lands
// here the X-User-ID header is trusted.
func (g *Gateway) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			g.writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
			return
		}

		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID, _ := ctx.Value("user_id").(string)

		allowed, err := g.rateLimiter.Allow(ctx, userID)
		if err != nil {
			// A limiter outage must not take the API down with it.
			g.logger.Warn("rate limit check failed, allowing request",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			allowed = true
		}

		if !allowed {
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": message,
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}

	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
