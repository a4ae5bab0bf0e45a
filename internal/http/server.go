package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	appLog "cardledger/internal/log"
	"cardledger/internal/middleware/ratelimit"
	"cardledger/internal/middleware/security"
	"cardledger/internal/middleware/trace"
	"cardledger/internal/services"
)

// Pinger reports whether a backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerOptions struct {
	// RateLimitPerMinute caps writes per client; zero disables limiting.
	RateLimitPerMinute int
	Logger             *appLog.Logger
}

type Server struct {
	http.Server
	ledger *services.Ledger
	db     Pinger
	logger *appLog.Logger

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	started          time.Time

	shutdownOnce sync.Once
}

// NewServer wires the routes and middleware chain, returning a ready-to-run
// server.
func NewServer(addr string, ledger *services.Ledger, db Pinger, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = appLog.Default()
	}

	limitCfg := ratelimit.DefaultConfig()
	limitCfg.RequestsPerWindow = opts.RateLimitPerMinute

	detector := security.NewDetector()
	s := &Server{
		ledger:           ledger,
		db:               db,
		logger:           logger.WithComponent(appLog.ComponentHTTP),
		rateLimiter:      ratelimit.NewLimiter(limitCfg),
		securityDetector: detector,
		traceMiddleware:  trace.NewMiddleware(logger, detector.ExtractClientIP),
		started:          time.Now(),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	limited := s.rateLimiter.Middleware(limitCfg, detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		ErrorResponse(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, retry later").Write(w)
	})
	var handler http.Handler = mux
	handler = limited(handler)
	handler = detector.Middleware(logger)(handler)
	handler = security.Headers(security.APIHeadersConfig())(handler)
	handler = s.traceMiddleware.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /persons", s.handleCreatePerson)
	mux.HandleFunc("GET /persons", s.handleListPersons)
	mux.HandleFunc("GET /persons/{id}", s.handleGetPerson)
	mux.HandleFunc("PUT /persons/{id}", s.handleUpdatePerson)
	mux.HandleFunc("DELETE /persons/{id}", s.handleDeletePerson)
	mux.HandleFunc("GET /persons/{id}/debt", s.handlePersonDebt)
	mux.HandleFunc("GET /persons/{id}/open-debits", s.handleOpenDebits)

	mux.HandleFunc("POST /cards", s.handleCreateCard)
	mux.HandleFunc("GET /cards", s.handleListCards)
	mux.HandleFunc("GET /cards/{id}", s.handleGetCard)
	mux.HandleFunc("PUT /cards/{id}", s.handleUpdateCard)
	mux.HandleFunc("DELETE /cards/{id}", s.handleDeleteCard)
	mux.HandleFunc("PUT /cards/{id}/users", s.handleSetCardUsers)
	mux.HandleFunc("GET /cards/{id}/available-credit", s.handleAvailableCredit)

	mux.HandleFunc("POST /establishments", s.handleCreateEstablishment)
	mux.HandleFunc("GET /establishments", s.handleListEstablishments)
	mux.HandleFunc("GET /establishments/{id}", s.handleGetEstablishment)
	mux.HandleFunc("PUT /establishments/{id}", s.handleUpdateEstablishment)
	mux.HandleFunc("DELETE /establishments/{id}", s.handleDeleteEstablishment)

	mux.HandleFunc("POST /movements", s.handleRecordMovement)
	mux.HandleFunc("GET /movements", s.handleListMovements)
	mux.HandleFunc("GET /movements/{id}", s.handleGetMovement)
	mux.HandleFunc("PATCH /movements/{id}", s.handleUpdateMovement)
	mux.HandleFunc("DELETE /movements/{id}", s.handleDeleteMovement)

	mux.HandleFunc("GET /payments/unassigned", s.handleUnassignedPayments)
	mux.HandleFunc("POST /payments/{id}/allocations", s.handleAllocatePayment)
	mux.HandleFunc("GET /payments/{id}/allocations", s.handleListPaymentAllocations)
	mux.HandleFunc("DELETE /payments/{id}/allocations/{purchaseID}", s.handleUnallocate)
	mux.HandleFunc("GET /purchases/{id}/allocations", s.handleListPurchaseAllocations)
	mux.HandleFunc("GET /purchases/{id}/balance", s.handlePurchaseBalance)

	mux.HandleFunc("GET /debts", s.handleDebt)
	mux.HandleFunc("POST /reconcile", s.handleReconcile)
	mux.HandleFunc("POST /maintenance/verify-balances", s.handleVerifyBalances)

	mux.HandleFunc("GET /api/cards/{id}/summary", s.handleCardSummary)
	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
}

// Shutdown stops background routines and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
