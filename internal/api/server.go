// Package api exposes the engine over HTTP: order submission, cycle control,
// quote lookups and the operator endpoints for discrepancies, dead letters
// and the audit log.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"order-engine/internal/cycle"
	"order-engine/internal/domain"
	"order-engine/internal/execution"
	"order-engine/internal/idempotency"
	"order-engine/internal/observability"
	"order-engine/internal/quote"
	"order-engine/internal/storage"
)

// Submitter submits orders.
type Submitter interface {
	SubmitOrder(ctx context.Context, req execution.SubmitRequest) (*execution.SubmitResult, error)
}

// Cycles opens and advances cycles.
type Cycles interface {
	Open(ctx context.Context, strategy, market string) (*domain.Cycle, error)
	Get(ctx context.Context, id string) (*domain.Cycle, error)
	Advance(ctx context.Context, id string, expectedVersion int64, t cycle.Transition) (cycle.Result, error)
}

// Quotes answers freshness lookups.
type Quotes interface {
	GetFresh(ctx context.Context, token string, side domain.Side, maxAge time.Duration) (quote.Lookup, error)
}

// Discrepancies lists and resolves reconciliation findings.
type Discrepancies interface {
	ListDiscrepancies(ctx context.Context, f storage.DiscrepancyFilter) ([]*domain.Discrepancy, error)
	ResolveDiscrepancy(ctx context.Context, id, resolution, actor string) error
}

// DeadLetters lists and resolves dead-letter entries.
type DeadLetters interface {
	List(ctx context.Context, status domain.DeadLetterStatus) ([]*domain.DeadLetter, error)
	Resolve(ctx context.Context, id, resolution string) error
}

// AuditReader queries the audit log.
type AuditReader interface {
	Query(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error)
}

// Config holds HTTP server parameters.
type Config struct {
	Addr            string
	RateLimit       float64 // requests per second per client IP
	RateBurst       int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		RateLimit:       20,
		RateBurst:       50,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Options for creating a Server.
type Options struct {
	Config        Config
	Submitter     Submitter
	Cycles        Cycles
	Quotes        Quotes
	Discrepancies Discrepancies
	DeadLetters   DeadLetters
	Audit         AuditReader
	Logger        *zap.SugaredLogger
}

// Server is the HTTP binding.
type Server struct {
	cfg    Config
	router *gin.Engine
	opts   Options
	logger *zap.SugaredLogger
}

// NewServer creates the router with all routes registered.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	logger := observability.OrNop(opts.Logger).Named("api")
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger(logger))
	r.Use(rateLimit(newIPLimiters(cfg.RateLimit, cfg.RateBurst)))
	r.Use(timeout(cfg.RequestTimeout))

	s := &Server{cfg: cfg, router: r, opts: opts, logger: logger}
	s.routes()
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(observability.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/orders", s.submitOrder)

		v1.POST("/cycles", s.openCycle)
		v1.GET("/cycles/:id", s.getCycle)
		v1.POST("/cycles/:id/advance", s.advanceCycle)

		v1.GET("/quotes/:token/:side", s.getQuote)

		v1.GET("/discrepancies", s.listDiscrepancies)
		v1.POST("/discrepancies/:id/resolve", s.resolveDiscrepancy)

		v1.GET("/dead-letters", s.listDeadLetters)
		v1.POST("/dead-letters/:id/resolve", s.resolveDeadLetter)

		v1.GET("/audit", s.queryAudit)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// timeout bounds the request context. Handlers pass it to every store and
// exchange call, so expiry surfaces as a context error.
func timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// fail maps an error to its status code and writes it.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrTerminal), errors.Is(err, storage.ErrDuplicateKey):
		status = http.StatusConflict
	case errors.Is(err, cycle.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, idempotency.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorw("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error()})
}
