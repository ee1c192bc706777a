// Package httpapi serves the REST API consumed by the dashboard.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/pennywise-app/pennywise/internal/daemon"
	"github.com/pennywise-app/pennywise/internal/reclassify"
	"github.com/pennywise-app/pennywise/pkg/api"
)

// Reclassifier runs reclassification passes and rule backfills.
type Reclassifier interface {
	Run(ctx context.Context, scope reclassify.Scope) (reclassify.Report, error)
	RenameMerchants(ctx context.Context, rule api.Rule) (int, error)
	Last() *reclassify.Report
}

// Ingestion is the running ingestion pipeline.
type Ingestion interface {
	Refresh() (bool, error)
	Status() daemon.Status
}

// OAuth builds the web consent flow and stores the resulting token.
type OAuth interface {
	Config(redirectURL string) (*oauth2.Config, error)
	SaveToken(tok *oauth2.Token) error
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the API. Transactions, Rules and
// Reclassifier are required; the rest may be nil.
type Deps struct {
	Transactions api.TransactionStore
	Rules        api.RuleStore
	Reclassifier Reclassifier
	Ingestion    Ingestion
	Stats        api.StatsSource
	Pinger       Pinger
	OAuth        OAuth
	// OAuthRedirectURL overrides the callback URL derived from the request.
	OAuthRedirectURL string
	// OnAuthorized runs after a token has been stored through the web flow.
	OnAuthorized func()
	// NextReclassify reports the next scheduled pass.
	NextReclassify func() time.Time
	// Workers bounds classification goroutines for manual entry.
	Workers int
}

// Server holds the API handlers.
type Server struct {
	deps   Deps
	engine *gin.Engine
	logger *slog.Logger
}

// New builds the router. origins are the CORS origins allowed to call the API.
func New(deps Deps, origins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.health)
	v1.GET("/status", s.status)

	v1.GET("/transactions", s.listTransactions)
	v1.POST("/transactions", s.createTransaction)
	v1.POST("/transactions/refresh", s.refreshTransactions)
	v1.GET("/transactions/:id", s.getTransaction)
	v1.PATCH("/transactions/:id", s.updateTransaction)
	v1.DELETE("/transactions/:id", s.deleteTransaction)

	v1.GET("/rules", s.listRules)
	v1.POST("/rules", s.createRule)
	v1.GET("/rules/:id", s.getRule)
	v1.PATCH("/rules/:id", s.updateRule)
	v1.DELETE("/rules/:id", s.deleteRule)

	v1.POST("/reclassify", s.reclassify)

	v1.GET("/oauth/login", s.oauthLogin)
	v1.GET("/oauth/callback", s.oauthCallback)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Pinger != nil {
		if err := s.deps.Pinger.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type statusResponse struct {
	Ingestion      *daemon.Status     `json:"ingestion,omitempty"`
	Stats          *api.Stats         `json:"stats,omitempty"`
	LastReclassify *reclassify.Report `json:"last_reclassify,omitempty"`
	NextReclassify *time.Time         `json:"next_reclassify,omitempty"`
}

func (s *Server) status(c *gin.Context) {
	var resp statusResponse
	if s.deps.Ingestion != nil {
		st := s.deps.Ingestion.Status()
		resp.Ingestion = &st
	}
	if s.deps.Stats != nil {
		stats, err := s.deps.Stats.Stats(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.Stats = &stats
	}
	resp.LastReclassify = s.deps.Reclassifier.Last()
	if s.deps.NextReclassify != nil {
		if next := s.deps.NextReclassify(); !next.IsZero() {
			resp.NextReclassify = &next
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) reclassify(c *gin.Context) {
	var req struct {
		Since string `json:"since"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	scope := reclassify.Scope{}
	if req.Since != "" {
		since, err := reclassify.ParseSince(req.Since)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		scope.Since = &since
	}

	report, err := s.deps.Reclassifier.Run(c.Request.Context(), scope)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// fail maps an error to a response status.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, api.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, reclassify.ErrRulesUnavailable):
		s.logger.Error("rules unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rules unavailable"})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
