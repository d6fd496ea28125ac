// Package statusapi serves a local read-only JSON view of the trading state.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/gw/quantnest-sync/internal/quotes"
	"github.com/gw/quantnest-sync/internal/tradestate"
)

// StateView is what the server reads from the trading store.
type StateView interface {
	Snapshot() tradestate.Snapshot
	OpenOrders() []papertrade.Order
	Account() *papertrade.Account
	ConnState() string
	Connected() bool
}

// QuoteView is what the server reads from the quote board.
type QuoteView interface {
	Status() []quotes.QuoteHealth
	History(symbol string, n int) []quotes.TimedPrice
}

type Server struct {
	addr   string
	router *gin.Engine
	state  StateView
	quotes QuoteView
}

func New(addr string, state StateView, q QuoteView) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: addr, router: router, state: state, quotes: q}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/state", s.handleState)
	router.GET("/orders", s.handleOrders)
	router.GET("/positions", s.handlePositions)
	router.GET("/trades", s.handleTrades)
	router.GET("/connection", s.handleConnection)
	router.GET("/quotes", s.handleQuotes)
	router.GET("/quotes/:symbol/history", s.handleHistory)
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("status api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleState(c *gin.Context) {
	snap := s.state.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"connection":   s.state.ConnState(),
		"connected":    s.state.Connected(),
		"orders":       len(snap.Orders),
		"open_orders":  len(s.state.OpenOrders()),
		"positions":    len(snap.Positions),
		"trades":       len(snap.Trades),
		"refreshes":    snap.Refreshes,
		"refreshed_at": snap.RefreshedAt,
		"account":      s.state.Account(),
	})
}

func (s *Server) handleOrders(c *gin.Context) {
	if c.Query("open") == "true" {
		c.JSON(http.StatusOK, nonNil(s.state.OpenOrders()))
		return
	}
	orders := s.state.Snapshot().Orders
	if sym := strings.ToUpper(c.Query("symbol")); sym != "" {
		var filtered []papertrade.Order
		for _, o := range orders {
			if o.Symbol == sym {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	c.JSON(http.StatusOK, nonNil(orders))
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, nonNil(s.state.Snapshot().Positions))
}

func (s *Server) handleTrades(c *gin.Context) {
	trades := s.state.Snapshot().Trades
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if n < len(trades) {
			trades = trades[:n]
		}
	}
	c.JSON(http.StatusOK, nonNil(trades))
}

func (s *Server) handleConnection(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":     s.state.ConnState(),
		"connected": s.state.Connected(),
	})
}

func (s *Server) handleQuotes(c *gin.Context) {
	if s.quotes == nil {
		c.JSON(http.StatusOK, []quotes.QuoteHealth{})
		return
	}
	c.JSON(http.StatusOK, nonNil(s.quotes.Status()))
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.quotes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no quote board"})
		return
	}
	n := 60
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = v
	}
	h := s.quotes.History(c.Param("symbol"), n)
	if len(h) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no ticks for symbol"})
		return
	}
	c.JSON(http.StatusOK, h)
}

// nonNil keeps empty collections encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("status api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur", time.Since(start),
		)
	}
}
