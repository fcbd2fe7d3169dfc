// Package rpc serves the HTTP API of the daemon: read-only ledger views per
// domain, the latest reconciliation report, relay queues and Prometheus
// metrics. Devnet deployments can additionally enable unauthenticated write
// routes for vault and bridge operations.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rebasechain/core"
	"rebasechain/native/bridge"
	"rebasechain/observability"
	"rebasechain/relay"
	"rebasechain/services/reconciler"
)

const maxRequestBytes = 1 << 20 // 1 MiB

// ReportSource exposes the most recent reconciliation result.
type ReportSource interface {
	Latest() *reconciler.Result
}

// Outbox accepts outbound bridge messages and lists the relay queues.
type Outbox interface {
	Submit(msg *bridge.Message) error
	Retry(id [32]byte) error
	Pending() []relay.Pending
	Failed() []relay.Pending
}

// Config captures the dependencies of the API server.
type Config struct {
	Domains []*core.Domain
	Reports ReportSource
	Relay   Outbox
	// AllowWrites mounts the devnet write routes. Callers are not
	// authenticated on those routes.
	AllowWrites bool
	WriteLimit  WriteLimit
	Logger      *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	domains map[uint64]*core.Domain
	order   []uint64
	reports ReportSource
	relay   Outbox
	writes  bool
	limiter *clientLimiter
	logger  *slog.Logger
	handler http.Handler
}

// New builds the server and its router.
func New(cfg Config) (*Server, error) {
	if len(cfg.Domains) == 0 {
		return nil, errors.New("rpc: at least one domain required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		domains: make(map[uint64]*core.Domain, len(cfg.Domains)),
		reports: cfg.Reports,
		relay:   cfg.Relay,
		writes:  cfg.AllowWrites,
		limiter: newClientLimiter(cfg.WriteLimit),
		logger:  logger,
	}
	for _, d := range cfg.Domains {
		if d == nil {
			return nil, errors.New("rpc: nil domain")
		}
		if _, dup := s.domains[d.ID()]; dup {
			return nil, fmt.Errorf("rpc: duplicate domain %d", d.ID())
		}
		s.domains[d.ID()] = d
		s.order = append(s.order, d.ID())
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	s.handler = otelhttp.NewHandler(s.routes(), "rebased.api")
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/reconcile", s.handleReconcile)
	r.Get("/relay", s.handleRelay)
	if s.writes {
		r.With(s.limiter.middleware).Post("/relay/{id}/retry", s.handleRetry)
	}

	r.Get("/domains", s.handleDomains)
	r.Route("/domains/{domain}", func(dr chi.Router) {
		dr.Get("/", s.handleDomain)
		dr.Get("/rate", s.handleRate)
		dr.Get("/supply", s.handleSupply)
		dr.Get("/holders/{addr}", s.handleHolder)
		dr.Get("/remotes", s.handleRemotes)
		if s.writes {
			dr.Group(func(wr chi.Router) {
				wr.Use(s.limiter.middleware)
				wr.Post("/vault/deposit", s.handleDeposit)
				wr.Post("/vault/redeem", s.handleRedeem)
				wr.Post("/ledger/transfer", s.handleTransfer)
				wr.Post("/bridge/send", s.handleSend)
			})
		}
	})
	return r
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.API().Observe(route, recorder.status, time.Since(start))
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", recorder.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) domain(w http.ResponseWriter, r *http.Request) (*core.Domain, bool) {
	raw := chi.URLParam(r, "domain")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid domain %q", raw))
		return nil, false
	}
	d, ok := s.domains[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown domain %d", id))
		return nil, false
	}
	return d, true
}
