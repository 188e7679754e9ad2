package http_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/blockspeak/orchestrator/internal/auth"
	"github.com/blockspeak/orchestrator/internal/deploy"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/internal/payment"
	"github.com/blockspeak/orchestrator/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// Authenticator runs the wallet login handshake.
type Authenticator interface {
	IssueNonce(ctx context.Context) (auth.AuthNonce, error)
	Login(ctx context.Context, nonce auth.AuthNonce, address, signature string) (string, *models.Session, error)
	Logout(token string)
	Session(token string) (*models.Session, error)
}

// ContractService deploys and manages wallet-owned contracts.
type ContractService interface {
	CreateRecurringPayment(ctx context.Context, owner string, params models.ContractParams) (*models.ContractInstance, *deploy.DeployResult, error)
	CreateDAO(ctx context.Context, owner, name, description string) (*models.ContractInstance, *deploy.DeployResult, error)
	CancelRecurringPayment(ctx context.Context, owner, address string) (common.Hash, error)
	ListContracts(ctx context.Context, owner string) ([]*models.ContractInstance, error)
}

// GovernanceService relays DAO actions.
type GovernanceService interface {
	Join(ctx context.Context, dao, member string) (common.Hash, error)
	Propose(ctx context.Context, dao, member, description string) (uint64, common.Hash, error)
	Vote(ctx context.Context, dao, member string, proposalID uint64, support bool) (common.Hash, error)
	ListProposals(ctx context.Context, dao string) ([]models.Proposal, error)
}

// PaymentService owns subscriptions and both payment rails.
type PaymentService interface {
	Tier(ctx context.Context, address string) (models.Plan, error)
	Status(ctx context.Context, address string) (*payment.StatusView, error)
	SubmitEthPayment(ctx context.Context, address, plan, txHash string) (*models.PaymentRecord, error)
	BeginCheckout(ctx context.Context, address, plan string) (string, error)
	HandleProviderEvent(ctx context.Context, payload []byte, signatureHeader string) error
}

// Services groups what the handlers call into.
type Services struct {
	Auth       Authenticator
	Contracts  ContractService
	Governance GovernanceService
	Payments   PaymentService
}

// Options configures the listener, cookies and request limits.
type Options struct {
	Port           int
	AllowedOrigins []string
	CookieSecure   bool
	// CookieSameSite defaults to lax. Use none when the frontend is served
	// from another site.
	CookieSameSite http.SameSite
	NonceTTL       time.Duration
	SessionTTL     time.Duration
	RateLimitRPS   int
	RateLimitBurst int
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	opts   Options

	// server is the underlying HTTP server
	server *http.Server

	auth       Authenticator
	contracts  ContractService
	governance GovernanceService
	payments   PaymentService

	limiter *ipLimiter
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(services Services, opts Options, logger *logger.Logger) *HTTPServer {
	router := gin.New()
	router.Use(gin.Recovery(), metricsMiddleware(), corsMiddleware(opts.AllowedOrigins))

	server := &HTTPServer{
		logger:     logger,
		router:     router,
		opts:       opts,
		auth:       services.Auth,
		contracts:  services.Contracts,
		governance: services.Governance,
		payments:   services.Payments,
		limiter:    newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}

	// Define routes
	server.routes()

	return server
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("0.0.0.0:%v", s.opts.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Fatal("Failed to start the HTTP server", "error", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
