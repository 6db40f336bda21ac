// Package api exposes the relayer over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
	"github.com/scalarorg/session-relayer/pkg/db/models"
	"github.com/scalarorg/session-relayer/pkg/keypool"
	"github.com/scalarorg/session-relayer/pkg/metrics"
	"github.com/scalarorg/session-relayer/pkg/session"
	"github.com/scalarorg/session-relayer/pkg/webhook"
	"golang.org/x/time/rate"
)

const (
	HEADER_ALCHEMY_SIGNATURE = "X-Alchemy-Signature"
	HEADER_SIGNATURE         = "X-Signature"
)

type DepositIngestor interface {
	Ingest(ctx context.Context, raw []byte, signature string) (*webhook.ProcessResult, error)
}

type TradeExecutor interface {
	Execute(ctx context.Context, req session.TradeRequest) (*session.TradeResult, error)
}

type DepositReader interface {
	FindDeposit(ctx context.Context, depositID string) (*models.DepositRecord, error)
}

// Handlers are the services behind the routes. A nil service disables its routes.
type Handlers struct {
	Ingestor DepositIngestor
	Trades   TradeExecutor
	Deposits DepositReader
	Pools    *keypool.Registry
	Health   func(ctx context.Context) error
}

// requestValidator adapts validator/v10 to echo's Validator.
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

type Server struct {
	config   config.ServerConfig
	handlers Handlers
	echo     *echo.Echo
	limiter  *rate.Limiter
}

func NewServer(cfg config.ServerConfig, handlers Handlers) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}
	e.Use(middleware.Recover())

	s := &Server{
		config:   cfg,
		handlers: handlers,
		echo:     e,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit*2)
	}
	e.Use(s.requestLogger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if s.handlers.Ingestor != nil {
		s.echo.POST("/webhooks/deposits", s.handleDepositWebhook)
	}
	if s.handlers.Trades != nil {
		s.echo.POST("/trades", s.handleTrade, s.rateLimit)
	}
	if s.handlers.Deposits != nil {
		s.echo.GET("/deposits/:id", s.handleGetDeposit)
	}
	if s.handlers.Pools != nil {
		s.echo.GET("/relayers/:pool/merkle", s.handleRelayerSet)
	}
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		status := c.Response().Status
		duration := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request().Method, route).Observe(duration.Seconds())
		log.Debug().Str("method", c.Request().Method).Str("route", route).Int("status", status).
			Dur("duration", duration).Msg("[Server] request")
		return nil
	}
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":   "rate_limit_exceeded",
				"message": "too many requests, please try again later",
			})
		}
		return next(c)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout
	s.echo.Server.IdleTimeout = 120 * time.Second
	s.echo.Server.MaxHeaderBytes = 1 << 20

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.config.Addr).Msg("[Server] [Start] listening")
		if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start API server: %w", err)
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("[Server] [Stop] shutting down")
	return s.echo.Shutdown(ctx)
}
