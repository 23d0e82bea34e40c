package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gaiahub/nodehub/config"
	"github.com/gaiahub/nodehub/domainapi"
	gwmw "github.com/gaiahub/nodehub/middleware"
	"github.com/gaiahub/nodehub/nodeapi"
	"github.com/gaiahub/nodehub/observability"
	"github.com/gaiahub/nodehub/queryapi"
	"github.com/gaiahub/nodehub/tunnel"
)

// Deps bundles the services NewRouter wires onto the HTTP surface.
type Deps struct {
	Tunnel  *tunnel.Processor
	Node    *nodeapi.Service
	Domain  *domainapi.Service
	Query   *queryapi.Service
	Metrics *observability.Metrics
}

// NewRouter returns a configured chi Router with the full middleware chain
// and every inner API mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))

	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPS, cfg.RateLimitBurst)
	r.Use(rateLimiter.Handler)

	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, 30*time.Second)
	r.Use(timeoutMW.Handler)

	// --- Health + metrics (no auth; internal network only) ---
	r.Get("/health-check", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// --- Tunnel Event Processor (spec.md §4.3/§6) ---
	r.Post("/inner/frps", tunnel.Handler(deps.Tunnel))
	r.Post("/inner/frps/{frps_id}", tunnel.Handler(deps.Tunnel))

	// --- Node Self-Announce (spec.md §4.2/§6) ---
	nodeRoutes := nodeapi.Router(deps.Node)
	r.Handle("/node-info/{node_id}", nodeRoutes)
	r.Handle("/node-health/{node_id}", nodeRoutes)

	// --- Domain Membership Admin (spec.md §4.4/§6) ---
	r.Handle("/domain_nodes", domainapi.Router(deps.Domain))

	// --- Query API (spec.md §4.5/§6) ---
	r.Get("/inner/nodes", deps.Query.QueryNodes)
	r.Get("/inner/living_nodes", deps.Query.LivingNodes)

	return r
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
