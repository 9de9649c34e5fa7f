package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"loanledger/gateway/middleware"
	"loanledger/native/bank"
	"loanledger/native/lending"
	"loanledger/observability"
	"loanledger/observability/metrics"
	"loanledger/services/lendingd/archive"
	"loanledger/services/lendingd/feeds"
)

const moduleName = "lending"

// Rate limit keys for the route groups.
const (
	LimitRead  = "read"
	LimitWrite = "write"
	LimitAdmin = "admin"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine   *lending.Engine
	Bank     *bank.Keeper
	Feeds    *feeds.Store
	Archive  *archive.Archive
	Executor *Executor
	// IdempotencyDB stores replayable responses; nil disables replay.
	IdempotencyDB *gorm.DB
	Auth          middleware.AuthConfig
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
	FaucetEnabled bool
	ServiceName   string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server exposes the loan ledger over HTTP.
type Server struct {
	engine   *lending.Engine
	bank     *bank.Keeper
	feeds    *feeds.Store
	archive  *archive.Archive
	exec     *Executor
	faucet   bool
	logger   *slog.Logger
	now      func() time.Time
	obs      *middleware.Observability
	registry *prometheus.Registry

	router http.Handler
}

// New constructs the router with authentication, rate limiting, idempotency
// and instrumentation.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Executor == nil {
		return nil, errors.New("server: engine and executor required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lendingd"
	}
	s := &Server{
		engine:  cfg.Engine,
		bank:    cfg.Bank,
		feeds:   cfg.Feeds,
		archive: cfg.Archive,
		exec:    cfg.Executor,
		faucet:  cfg.FaucetEnabled,
		logger:  cfg.Logger,
		now:     cfg.Now,
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.ServiceName,
			LogRequests: true,
			Enabled:     true,
		}, cfg.Logger),
	}
	s.registry = s.obs.Registry()
	if err := s.registry.Register(metrics.NewLedgerCollector(cfg.Engine, cfg.Executor.Lock, cfg.Logger)); err != nil {
		return nil, err
	}
	var idem *middleware.Idempotency
	if cfg.IdempotencyDB != nil {
		var err error
		if idem, err = middleware.NewIdempotency(cfg.IdempotencyDB, cfg.Logger); err != nil {
			return nil, err
		}
	}
	s.router = s.buildRouter(cfg, idem)
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "lendingd")
}

func (s *Server) buildRouter(cfg Config, idem *middleware.Idempotency) http.Handler {
	auth := middleware.NewAuthenticator(cfg.Auth, cfg.Logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimits, cfg.Logger)
	replay := func(next http.Handler) http.Handler { return next }
	if idem != nil {
		replay = idem.Handler
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(s.obs.Handler)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{s.registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(limiter.Middleware(LimitRead))
			read.Get("/loans/{id}", s.observe("get_loan", s.getLoan))
			read.Get("/loans/{id}/ratio", s.observe("get_ratio", s.getRatio))
			read.Get("/accounts/{addr}/loans", s.observe("account_loans", s.accountLoans))
			read.Get("/accounts/{addr}/balances/{asset}", s.observe("balance", s.balance))
			read.Get("/collateral", s.observe("list_collateral", s.listCollateral))
			read.Get("/collateral/{asset}/locked", s.observe("locked_collateral", s.lockedCollateral))
			read.Get("/stats", s.observe("stats", s.stats))
			read.Get("/policy", s.observe("policy", s.policy))
			read.Get("/events", s.observe("events", s.events))
			read.Get("/feeds/{feed}/rounds", s.observe("feed_rounds", s.feedRounds))
		})
		v1.Group(func(write chi.Router) {
			write.Use(auth.Middleware())
			write.Use(limiter.Middleware(LimitWrite))
			write.Use(replay)
			write.Post("/loans", s.observe("request", s.requestLoan))
			write.Post("/loans/{id}/cancel", s.observe("cancel", s.cancelLoan))
			write.Post("/loans/{id}/fund", s.observe("fund", s.fundLoan))
			write.Post("/loans/{id}/repay", s.observe("repay", s.repayLoan))
			write.Post("/loans/{id}/default", s.observe("default", s.defaultLoan))
			write.Post("/loans/{id}/liquidate", s.observe("liquidate", s.liquidateLoan))
			write.Post("/bank/approve", s.observe("approve", s.approve))
			write.Post("/bank/faucet", s.observe("faucet", s.faucetMint))
		})
		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.Middleware(middleware.ScopeAdmin))
			admin.Use(limiter.Middleware(LimitAdmin))
			admin.Use(replay)
			admin.Put("/assets/{asset}", s.observe("set_asset", s.setAsset))
			admin.Put("/policy", s.observe("set_policy", s.setPolicy))
			admin.Post("/feeds/{feed}/rounds", s.observe("publish_round", s.publishRound))
			admin.Post("/pause", s.observe("pause", s.pause))
			admin.Post("/unpause", s.observe("unpause", s.unpause))
			admin.Post("/rescue", s.observe("rescue", s.rescue))
			admin.Post("/owner", s.observe("transfer_ownership", s.transferOwnership))
			admin.Post("/fee-recipient", s.observe("set_fee_recipient", s.setFeeRecipient))
		})
	})
	return r
}

// observe records per-operation outcome and latency.
func (s *Server) observe(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		observability.Operations().Observe(method, rec.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestID(r *http.Request) string {
	return middleware.RequestIDFromContext(r.Context())
}

// caller returns the authenticated account or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.CallerFromContext(r.Context())
	if !ok || addr == (common.Address{}) {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "caller identity required")
		return common.Address{}, false
	}
	return addr, true
}
