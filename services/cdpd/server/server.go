package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"usq/native/bank"
	"usq/native/cdp"
	"usq/native/oracle"
	"usq/native/rewards"
	"usq/observability"
	"usq/services/cdpd/journal"
)

// Deps are the components served over HTTP.
type Deps struct {
	Engine    *cdp.Engine
	Prices    *oracle.PriceBook
	Rewards   *rewards.Tracker
	Synthetic *bank.Synthetic
	Journal   *journal.Journal
	Auth      AuthConfig
	Throttle  ThrottleConfig
	Logger    *slog.Logger
}

// Server exposes the engine over a JSON API. The engine is not safe for
// concurrent use, so every engine call runs under mu.
type Server struct {
	mu        sync.Mutex
	engine    *cdp.Engine
	prices    *oracle.PriceBook
	rewards   *rewards.Tracker
	synthetic *bank.Synthetic
	journal   *journal.Journal
	auth      *Authenticator
	throttle  *Throttle
	logger    *slog.Logger
	requests  metric.Int64Counter
	started   time.Time
}

// New validates deps and builds the server.
func New(deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if deps.Prices == nil {
		return nil, errors.New("server: price book required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requests, err := otel.Meter("usq/cdpd").Int64Counter("cdpd.http.requests",
		metric.WithDescription("HTTP requests handled by cdpd"))
	if err != nil {
		return nil, err
	}
	return &Server{
		engine:    deps.Engine,
		prices:    deps.Prices,
		rewards:   deps.Rewards,
		synthetic: deps.Synthetic,
		journal:   deps.Journal,
		auth:      NewAuthenticator(deps.Auth, logger),
		throttle:  NewThrottle(deps.Throttle),
		logger:    logger,
		requests:  requests,
		started:   time.Now(),
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.throttle.Middleware)

		r.Get("/positions/{address}", s.handlePosition)
		r.Get("/collaterals", s.handleCollaterals)
		r.Get("/collaterals/{token}", s.handleCollateral)
		r.Get("/global", s.handleGlobal)
		r.Get("/emergency", s.handleEmergency)
		r.Get("/prices/{token}", s.handlePrice)
		r.Get("/events", s.handleEvents)
		r.Get("/rewards/{address}", s.handleRewards)

		r.Group(func(r chi.Router) {
			r.Use(RequireScope(ScopeUser))
			r.Post("/deposit", s.handleDeposit)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/mint", s.handleMint)
			r.Post("/repay", s.handleRepay)
			r.Post("/liquidate", s.handleLiquidate)
			r.Post("/settle", s.handleSettle)
			r.Post("/refresh", s.handleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireScope(ScopeFeeder))
			r.Post("/oracle/prices", s.handlePrices)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(RequireScope(ScopeGovernance))
				r.Post("/collaterals", s.handleAddCollateral)
				r.Post("/collaterals/{token}/remove", s.handleRemoveCollateral)
				r.Post("/collaterals/{token}/ceiling", s.handleSetCeiling)
				r.Post("/collaterals/{token}/fee", s.handleSetFeeRate)
				r.Post("/collaterals/{token}/accrue", s.handleAccrue)
				r.Post("/global-ceiling", s.handleSetGlobalCeiling)
				r.Post("/pause", s.handlePause)
				r.Post("/revenue/withdraw", s.handleWithdrawRevenue)
			})
			r.Group(func(r chi.Router) {
				r.Use(RequireScope(ScopeEmergency))
				r.Post("/shutdown", s.handleShutdown)
				r.Post("/oracle/override", s.handleOverride)
			})
		})
	})

	return otelhttp.NewHandler(r, "cdpd")
}

// observe records per-route metrics once the route pattern is resolved.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		observability.API().Observe(route, r.Method, status, time.Since(start))
		s.requests.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", status),
		))
	})
}

// withEngine runs fn while holding the engine lock.
func (s *Server) withEngine(fn func(engine *cdp.Engine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.engine)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var (
		paused   bool
		shutdown bool
	)
	_ = s.withEngine(func(engine *cdp.Engine) error {
		paused = engine.IsPaused(cdp.ModuleName)
		shutdown = engine.Emergency().ShutdownActive
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"paused":   paused,
		"shutdown": shutdown,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

// Shutdown is a hook for callers that hold background work on the server.
func (s *Server) Shutdown(context.Context) error {
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}
