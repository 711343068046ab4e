package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"homeescrow/internal/config"
	"homeescrow/internal/escrow"
	"homeescrow/internal/idempotency"
	"homeescrow/internal/sigauth"
)

// Catalog exposes registry reads used to decorate listings.
type Catalog interface {
	OwnerOf(ctx context.Context, id escrow.AssetID) (common.Address, error)
	TokenURI(ctx context.Context, id escrow.AssetID) (string, error)
	TotalSupply(ctx context.Context) (uint64, error)
}

type pinger interface {
	Ping(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	engine     *escrow.Engine
	catalog    Catalog
	replays    idempotency.Store
	auth       *sigauth.Verifier
	limiter    *callerLimiter
	log        logrus.FieldLogger
	metrics    *metricsRegistry
	handler    http.Handler
	httpServer *http.Server

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	stateHealthFn  func(context.Context) error
	replayHealthFn func(context.Context) error
	rpcHealthFn    func(context.Context) error
}

func NewServer(cfg *config.AppConfig, engine *escrow.Engine, catalog Catalog, replays idempotency.Store, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	metrics := newMetricsRegistry()

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		catalog:  catalog,
		replays:  replays,
		log:      log,
		metrics:  metrics,
		inflight: make(map[string]struct{}),
	}
	s.auth = &sigauth.Verifier{
		MaxSkew: cfg.Service.ClockSkew,
		OnError: func(r *http.Request, err error) {
			metrics.incRejected("signature")
			log.WithField("path", r.URL.Path).WithError(err).Warn("request signature rejected")
		},
	}
	s.limiter = newCallerLimiter(cfg.Service.RateLimit.RequestsPerMinute, cfg.Service.RateLimit.Burst)
	s.limiter.onReject = func(*http.Request) { metrics.incRejected("rate_limit") }

	if checker, ok := replays.(pinger); ok {
		s.replayHealthFn = checker.Ping
	}
	if checker, ok := catalog.(pinger); ok {
		s.rpcHealthFn = checker.Ping
	}

	s.handler = otelhttp.NewHandler(s.routes(), "homeescrow-api")
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.refreshGauges()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.handler())
		r.Get("/escrow", s.handleEscrow)
		r.Get("/listings", s.handleListings)
		r.Get("/listings/{assetID}", s.handleListing)
		r.Get("/listings/{assetID}/approvals/{address}", s.handleApproval)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware, s.limiter.Middleware)
			r.Post("/listings/{assetID}", s.mutation("list", s.list))
			r.Post("/listings/{assetID}/deposits", s.mutation("deposit", s.deposit))
			r.Post("/listings/{assetID}/inspection", s.mutation("inspect", s.inspect))
			r.Post("/listings/{assetID}/approvals", s.mutation("approve", s.approve))
			r.Post("/listings/{assetID}/finalize", s.mutation("finalize", s.finalize))
			r.Post("/listings/{assetID}/cancel", s.mutation("cancel", s.cancel))
			r.Post("/funds", s.mutation("fund", s.fund))
		})
	})
	return r
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

// SetStateCheck registers the health probe for the escrow state store.
func (s *Server) SetStateCheck(fn func(context.Context) error) { s.stateHealthFn = fn }

// Emitter returns an event sink that feeds metrics and the debug log.
func (s *Server) Emitter() escrow.Emitter {
	return escrow.EmitterFunc(func(evt escrow.Event) {
		s.metrics.incEvent(evt.Type)
		fields := logrus.Fields{"event": evt.Type}
		for k, v := range evt.Attributes {
			fields[k] = v
		}
		s.log.WithFields(fields).Debug("escrow event")
	})
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) refreshGauges() {
	active := 0
	for _, l := range s.engine.Listings() {
		if l.IsListed {
			active++
		}
	}
	balance, _ := new(big.Float).SetInt(s.engine.Balance().ToBig()).Float64()
	s.metrics.setLedger(balance, active)
}

type probe struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func runProbe(ctx context.Context, fn func(context.Context) error) probe {
	if fn == nil {
		return probe{Connected: true}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		return probe{Connected: false, Error: err.Error()}
	}
	return probe{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rpc := runProbe(ctx, s.rpcHealthFn)
	state := runProbe(ctx, s.stateHealthFn)
	replays := runProbe(ctx, s.replayHealthFn)

	status := "healthy"
	code := http.StatusOK
	if !rpc.Connected || !state.Connected || !replays.Connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	active := 0
	for _, l := range s.engine.Listings() {
		if l.IsListed {
			active++
		}
	}

	writeJSON(w, code, struct {
		Status         string `json:"status"`
		RPC            probe  `json:"rpc"`
		State          probe  `json:"state"`
		Replays        probe  `json:"replays"`
		ActiveListings int    `json:"active_listings"`
		Balance        string `json:"balance"`
	}{
		Status:         status,
		RPC:            rpc,
		State:          state,
		Replays:        replays,
		ActiveListings: active,
		Balance:        escrow.FormatAmount(s.engine.Balance()),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid json payload: %v", err)
	}
	return nil
}
