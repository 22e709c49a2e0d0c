package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"go.uber.org/zap"
)

// EventStream serves a live event connection for an authenticated user.
type EventStream interface {
	Serve(w http.ResponseWriter, r *http.Request, user string)
}

type Options struct {
	Auth    *middleware.Auth
	Limiter *middleware.RateLimiter
	Events  EventStream
	Metrics http.Handler
	Log     *logging.Logger
}

type HTTPServer struct {
	Eng  *core.Engine
	opts Options
	log  *logging.Logger
}

func NewHTTPServer(eng *core.Engine, opts Options) *HTTPServer {
	return &HTTPServer{Eng: eng, opts: opts, log: opts.Log.Named("http")}
}

func (s *HTTPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	r.GET("/orderbook", s.getOrderbook)

	authed := r.Group("/")
	authed.Use(s.opts.Auth.Middleware())
	if s.opts.Limiter != nil {
		authed.Use(s.opts.Limiter.Middleware())
	}
	authed.POST("/orders", s.createOrder)
	authed.GET("/orders", s.listOrders)
	authed.GET("/orders/:id", s.getOrder)
	authed.GET("/orders/:id/trades", s.getOrderTrades)
	authed.DELETE("/orders/:id", s.cancelOrder)
	authed.GET("/trades", s.listTrades)
	authed.POST("/accounts", s.initializeAccount)
	authed.GET("/balances", s.getBalances)
	authed.POST("/balances/deposit", s.deposit)
	authed.POST("/balances/withdraw", s.withdraw)
	if s.opts.Events != nil {
		authed.GET("/ws", func(c *gin.Context) {
			s.opts.Events.Serve(c.Writer, c.Request, middleware.UserID(c))
		})
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("user", middleware.UserID(c)))
	}
}
