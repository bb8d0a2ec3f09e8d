// Package server exposes trade commands over HTTP.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/trading"
	"github.com/betbot/bracketbot/pkg/logger"
)

// Commands is implemented by *trading.Commands.
type Commands interface {
	OpenTrade(ctx context.Context, req trading.OpenRequest) trading.CommandResult
	CloseTrade(ctx context.Context, symbol string) trading.CommandResult
	ModifyTrade(ctx context.Context, req trading.ModifyRequest) trading.CommandResult
	Reconcile(ctx context.Context) trading.CommandResult
	Orders() trading.CommandResult
	ResumeTrading() trading.CommandResult
}

type Server struct {
	cmds Commands
	// base is canceled on process shutdown; every handler context follows it.
	base context.Context
}

func New(base context.Context, cmds Commands) *Server {
	return &Server{cmds: cmds, base: base}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(), s.processContext())

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "bracket bot server is running") })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.POST("/openTrade", s.handleOpenTrade)
	r.DELETE("/closeTrade", s.handleCloseTrade)
	r.PATCH("/modifyTrade", s.handleModifyTrade)
	r.GET("/orders", s.handleOrders)
	r.POST("/reconcile", s.handleReconcile)
	r.POST("/resume", s.handleResume)

	return r
}

// Run serves addr until ctx is done, then drains for up to grace.
func (s *Server) Run(ctx context.Context, addr string, grace time.Duration) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// processContext detaches handlers from client disconnects, so a dropped
// connection does not abort a half-done batch, and ties them to the process
// lifetime instead.
func (s *Server) processContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
		stop := context.AfterFunc(s.base, cancel)
		defer func() {
			stop()
			cancel()
		}()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(start).String()).
			Infof("%s %s", c.Request.Method, c.Request.URL.Path)
	}
}

func (s *Server) handleOpenTrade(c *gin.Context) {
	var req trading.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeResult(c, badRequest(err))
		return
	}
	writeResult(c, s.cmds.OpenTrade(c.Request.Context(), req))
}

type closeRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleCloseTrade(c *gin.Context) {
	var req closeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeResult(c, badRequest(err))
			return
		}
	}
	if strings.TrimSpace(req.Symbol) == "" {
		req.Symbol = c.Query("symbol")
	}
	writeResult(c, s.cmds.CloseTrade(c.Request.Context(), req.Symbol))
}

func (s *Server) handleModifyTrade(c *gin.Context) {
	var req trading.ModifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeResult(c, badRequest(err))
		return
	}
	writeResult(c, s.cmds.ModifyTrade(c.Request.Context(), req))
}

func (s *Server) handleOrders(c *gin.Context) {
	writeResult(c, s.cmds.Orders())
}

func (s *Server) handleReconcile(c *gin.Context) {
	writeResult(c, s.cmds.Reconcile(c.Request.Context()))
}

func (s *Server) handleResume(c *gin.Context) {
	writeResult(c, s.cmds.ResumeTrading())
}

func badRequest(err error) trading.CommandResult {
	return trading.CommandResult{Kind: apperr.KindValidation, Message: "invalid request body: " + err.Error()}
}

func writeResult(c *gin.Context, res trading.CommandResult) {
	c.JSON(StatusFor(res), res)
}

// StatusFor maps a result to an HTTP status.
func StatusFor(res trading.CommandResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInstrumentNotFound, apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDuplicate:
		return http.StatusConflict
	case apperr.KindPartial:
		return http.StatusMultiStatus
	case apperr.KindAuthentication, apperr.KindRequest, apperr.KindMalformedResponse, apperr.KindAccountUnavailable:
		return http.StatusBadGateway
	case apperr.KindCanceled, apperr.KindHalted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
