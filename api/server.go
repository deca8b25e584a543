// Package api exposes the matching engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"

	match "github.com/0x5487/margin-engine"
)

const (
	// CallerHeader carries the authenticated account of the request.
	CallerHeader    = "X-Caller"
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "request_id"
	callerKey    = "caller"
)

// Engine is the part of *match.MatchingEngine the API serves.
type Engine interface {
	PlaceOrder(ctx context.Context, caller match.Address, req *match.PlaceOrderRequest) (*match.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, caller match.Address, id match.OrderID) error
	BestPrice(ctx context.Context, marketID string, side match.Side) (decimal.Decimal, bool, error)
	Depth(marketID string, limit uint32) (*match.Depth, error)
	Markets() []match.MarketConfig
	Deposit(caller, user match.Address, asset match.Asset, amount decimal.Decimal) error
	Withdraw(caller, user match.Address, asset match.Asset, amount decimal.Decimal) error
	AccountBalances(caller, user match.Address) (map[match.Asset]match.Balance, error)
	HealthFactor(ctx context.Context, caller, user match.Address) (decimal.Decimal, error)
}

type Options struct {
	Logger *slog.Logger
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	// RequestTimeout bounds engine calls of one request.
	RequestTimeout time.Duration
}

type Server struct {
	engine  Engine
	logger  *slog.Logger
	timeout time.Duration
}

// NewRouter builds the gin handler tree.
func NewRouter(engine Engine, opts Options) *gin.Engine {
	s := &Server{
		engine:  engine,
		logger:  opts.Logger,
		timeout: opts.RequestTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/markets", s.listMarkets)
	v1.GET("/markets/:market/best", s.bestPrice)
	v1.GET("/markets/:market/depth", s.depth)

	authed := v1.Group("", s.requireCaller())
	authed.POST("/markets/:market/orders", s.placeOrder)
	authed.DELETE("/markets/:market/orders/:seq", s.cancelOrder)
	authed.POST("/accounts/:user/deposits", s.deposit)
	authed.POST("/accounts/:user/withdrawals", s.withdraw)
	authed.GET("/accounts/:user/balances", s.balances)
	authed.GET("/accounts/:user/health", s.health)
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = xid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", c.GetString(requestIDKey),
		}
		if len(c.Errors) > 0 {
			s.logger.Error("request failed", append(attrs, "error", c.Errors.String())...)
			return
		}
		s.logger.Debug("request", attrs...)
	}
}

func (s *Server) requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader(CallerHeader)
		if caller == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Error:     "missing " + CallerHeader + " header",
				RequestID: c.GetString(requestIDKey),
			})
			return
		}
		c.Set(callerKey, match.Address(caller))
		c.Next()
	}
}

func caller(c *gin.Context) match.Address {
	v, _ := c.Get(callerKey)
	addr, _ := v.(match.Address)
	return addr
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.timeout)
}
