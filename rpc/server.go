// Package rpc exposes the escrow engines over an authenticated HTTP JSON API
// with a websocket stream of committed audit events.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowd/native/conditions"
	"escrowd/native/escrowperiod"
	"escrowd/native/fees"
	"escrowd/native/ledger"
	"escrowd/native/operator"
	"escrowd/native/payment"
	"escrowd/native/refunds"
	"escrowd/storage/auditlog"
)

// Ledger is the read side of the custody ledger plus the payer's reclaim.
type Ledger interface {
	Position(ctx context.Context, hash payment.Hash) (ledger.Position, error)
	Balance(ctx context.Context, account, token payment.Address) (*uint256.Int, error)
	Reclaim(ctx context.Context, caller payment.Address, p *payment.Payment) (*uint256.Int, error)
}

// AuditReader serves persisted audit history.
type AuditReader interface {
	Recent(ctx context.Context, n int) ([]auditlog.Entry, error)
	ByPayment(ctx context.Context, hash string) ([]auditlog.Entry, error)
}

// Config wires the server. Period, Refunds, Index, Audit and Stream are
// optional; their routes answer 503 when absent.
type Config struct {
	Operator  *operator.Operator
	Ledger    Ledger
	Protocol  *fees.ProtocolConfig
	Period    *escrowperiod.Period
	Refunds   *refunds.Engine
	Index     *conditions.PaymentIndex
	Audit     AuditReader
	Stream    *Broadcaster
	Auth      AuthConfig
	RateLimit RateLimit
	Logger    *slog.Logger
	// AllowedOrigins lists cross-origin hosts (path.Match patterns) allowed
	// to call the API and open the event stream. Empty allows same-origin only.
	AllowedOrigins []string
}

// Server is the escrowd HTTP API.
type Server struct {
	operator       *operator.Operator
	ledger         Ledger
	protocol       *fees.ProtocolConfig
	period         *escrowperiod.Period
	refunds        *refunds.Engine
	index          *conditions.PaymentIndex
	audit          AuditReader
	stream         *Broadcaster
	auth           *Authenticator
	limiter        *RateLimiter
	logger         *slog.Logger
	originPatterns []string

	once       sync.Once
	httpServer *http.Server
}

// NewServer validates cfg and returns a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Operator == nil {
		return nil, errors.New("rpc: operator required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	if cfg.Protocol == nil {
		return nil, errors.New("rpc: protocol fee configuration required")
	}
	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		operator:       cfg.Operator,
		ledger:         cfg.Ledger,
		protocol:       cfg.Protocol,
		period:         cfg.Period,
		refunds:        cfg.Refunds,
		index:          cfg.Index,
		audit:          cfg.Audit,
		stream:         cfg.Stream,
		auth:           auth,
		limiter:        NewRateLimiter(cfg.RateLimit),
		logger:         logger,
		originPatterns: cfg.AllowedOrigins,
	}, nil
}

// Authenticator exposes the token verifier, e.g. for minting dev tokens.
func (s *Server) Authenticator() *Authenticator { return s.auth }

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(cors(s.originPatterns))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware("preauth"))
		v1.Use(s.auth.Middleware)
		v1.Use(s.limiter.Middleware("api"))

		v1.Route("/payments", func(pr chi.Router) {
			pr.Use(observe("payments", s.logger))
			pr.Post("/hash", s.handlePaymentHash)
			pr.Post("/authorize", s.handleAuthorize)
			pr.Post("/charge", s.handleCharge)
			pr.Post("/release", s.handleRelease)
			pr.Post("/refund-in-escrow", s.handleRefundInEscrow)
			pr.Post("/refund-post-escrow", s.handleRefundPostEscrow)
			pr.Post("/reclaim", s.handleReclaim)
			pr.Post("/freeze", s.handleFreeze)
			pr.Post("/unfreeze", s.handleUnfreeze)
			pr.Get("/{hash}", s.handleGetPayment)
			pr.Get("/{hash}/events", s.handlePaymentEvents)
		})
		v1.Route("/refunds", func(rr chi.Router) {
			rr.Use(observe("refunds", s.logger))
			rr.Post("/", s.handleCreateRefund)
			rr.Post("/{action}", s.handleResolveRefund)
			rr.Get("/{hash}", s.handleListRefunds)
		})
		v1.Route("/fees", func(fr chi.Router) {
			fr.Use(observe("fees", s.logger))
			fr.Post("/distribute", s.handleDistribute)
			fr.Get("/accumulated/{token}", s.handleAccumulated)
			fr.Get("/protocol", s.handleProtocol)
			fr.Post("/protocol/{item}/{action}", s.handleProtocolChange)
		})
		v1.Route("/accounts", func(ar chi.Router) {
			ar.Use(observe("accounts", s.logger))
			ar.Get("/{account}/balances/{token}", s.handleBalance)
			ar.Get("/{account}/payments", s.handleAccountPayments)
		})
		v1.Route("/events", func(er chi.Router) {
			er.Use(observe("events", s.logger))
			er.Get("/", s.handleRecentEvents)
			er.Get("/ws", s.handleEventStream)
		})
	})

	return otelhttp.NewHandler(r, "escrowd.api")
}

func (s *Server) prepare() *http.Server {
	s.once.Do(func() {
		s.httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	})
	return s.httpServer
}

// Start serves the API on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("api listening", "addr", l.Addr().String())
	return s.Serve(l)
}

// Serve serves the API on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	err := s.prepare().Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server. A server shut down before it starts
// serving refuses to serve afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.prepare().Shutdown(ctx)
}
