package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"

	"loaner/core/events"
	"loaner/crypto"
	"loaner/native/ledger"
	"loaner/native/loaner"
	"loaner/observability"
	"loaner/services/loanerd/auth"
	"loaner/state"
)

// Minter is implemented by ledgers that can create funds. It backs the
// development faucet.
type Minter interface {
	Mint(to crypto.Address, amount *big.Int) error
}

// Snapshotter persists the registry on demand.
type Snapshotter interface {
	SnapshotNow(ctx context.Context) (state.Manifest, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Registry    *loaner.Registry
	Events      *events.Broadcaster
	Metrics     *observability.Metrics
	Verifier    *auth.Verifier
	RateLimit   RateLimit
	Logger      *slog.Logger
	Snapshotter Snapshotter
	AllowMint   bool
	ServiceName string
}

// Server exposes the lending protocol over HTTP/JSON.
type Server struct {
	registry    *loaner.Registry
	ledger      ledger.AssetLedger
	events      *events.Broadcaster
	metrics     *observability.Metrics
	verifier    *auth.Verifier
	limiter     *RateLimiter
	logger      *slog.Logger
	snapshotter Snapshotter
	allowMint   bool
	serviceName string

	router http.Handler
}

func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("server: registry required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("server: token verifier required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics("loaner")
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBroadcaster(0)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "loanerd"
	}
	s := &Server{
		registry:    cfg.Registry,
		ledger:      cfg.Registry.Env().Ledger,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		verifier:    cfg.Verifier,
		limiter:     NewRateLimiter(cfg.RateLimit),
		logger:      cfg.Logger,
		snapshotter: cfg.Snapshotter,
		allowMint:   cfg.AllowMint,
		serviceName: cfg.ServiceName,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

// Limiter exposes the rate limiter so idle clients can be pruned.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.Recoverer)
	r.Use(accessLog(s.logger, otel.Tracer(s.serviceName)))
	r.Use(s.verifier.Middleware(func(w http.ResponseWriter, _ *http.Request, err error) { writeError(w, err) }))
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/events/ws", s.streamEvents)
		v1.Get("/audit", s.audit)
		v1.Post("/snapshots", s.snapshot)

		v1.Get("/admins", s.listAdmins)
		v1.Post("/admins", s.addAdmin)
		v1.Delete("/admins/{admin}", s.removeAdmin)
		v1.Get("/pauses", s.listPauses)
		v1.Post("/pauses", s.setPause)

		v1.Route("/communities", func(c chi.Router) {
			c.Get("/", s.listCommunities)
			c.Post("/", s.addCommunity)
			c.Route("/{community}", func(c chi.Router) {
				c.Get("/", s.getCommunity)
				c.Get("/loans", s.communityLoans)
				c.Post("/loans", s.submitLoan)
				c.Get("/loans/{loan}/tally", s.getTally)
				c.Get("/loans/{loan}/votes/{manager}", s.getVote)
				c.Post("/loans/{loan}/approve", s.approveLoan)
				c.Post("/loans/{loan}/reject", s.rejectLoan)
				c.Post("/loans/{loan}/withdraw", s.withdrawStake)
				c.Get("/borrowers/{borrower}", s.getBorrower)
				c.Post("/borrowers", s.addBorrower)
				c.Post("/borrowers/{borrower}/lock", s.lockBorrower)
				c.Delete("/borrowers/{borrower}", s.removeBorrower)
				c.Post("/managers", s.addManager)
				c.Delete("/managers/{manager}", s.removeManager)
			})
		})

		v1.Route("/pools", func(p chi.Router) {
			p.Get("/", s.listPools)
			p.Route("/{pool}", func(p chi.Router) {
				p.Get("/", s.getPool)
				p.Get("/funders/{funder}", s.getFunder)
				p.Post("/join", s.joinPool)
				p.Post("/leave", s.leavePool)
				p.Post("/fund", s.fundLoan)
				p.Post("/reclaim", s.reclaimLoan)
				p.Post("/writeoff", s.writeOffLoan)
				p.Post("/flush", s.flushPool)
				p.Post("/pull", s.pullPool)
				p.Post("/harvest", s.harvestPool)
			})
		})

		v1.Route("/loans", func(l chi.Router) {
			l.Get("/", s.listLoans)
			l.Post("/", s.createLoan)
			l.Route("/{loan}", func(l chi.Router) {
				l.Get("/", s.getLoan)
				l.Post("/withdraw", s.withdrawLoan)
				l.Post("/repay", s.repayLoan)
				l.Post("/close", s.closeLoan)
			})
		})

		v1.Route("/ledger", func(l chi.Router) {
			l.Get("/{address}", s.getBalance)
			l.Post("/approve", s.approve)
			l.Post("/transfer", s.transfer)
			l.Post("/mint", s.mint)
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mutate runs a state-changing operation for the authenticated caller and
// records its outcome.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, module, op string, fn func(caller crypto.Address) (interface{}, error)) {
	caller, ok := auth.Caller(r.Context())
	if !ok {
		writeError(w, auth.ErrMissingToken)
		return
	}
	start := time.Now()
	body, err := fn(caller)
	s.metrics.ObserveOp(module, op, err, time.Since(start))
	if err != nil {
		writeError(w, err)
		return
	}
	if body == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) read(w http.ResponseWriter, fn func() (interface{}, error)) {
	body, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
