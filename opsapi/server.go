// Package opsapi is the small HTTP surface the bridge exposes for container
// orchestrators and monitoring: liveness, Prometheus scraping, and build
// version reporting. It carries no query-side or indexing functionality.
package opsapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"txbridge.dev/version"
)

// Status is the liveness snapshot served at /healthz. It is updated by the
// pipeline controller after every cycle.
type Status struct {
	mu               sync.RWMutex
	lastCycleAt      time.Time
	lastCycleErr     error
	cursorValue      int64
}

// NewStatus returns a Status ready to be shared with the pipeline controller.
func NewStatus() *Status {
	return &Status{}
}

// Record stores the outcome of a cycle for reporting at /healthz.
func (s *Status) Record(cursorValue int64, cycleErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycleAt = time.Now()
	s.lastCycleErr = cycleErr
	s.cursorValue = cursorValue
}

func (s *Status) snapshot() (time.Time, error, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCycleAt, s.lastCycleErr, s.cursorValue
}

type healthResponse struct {
	Status       string `json:"status"`
	LastCycleAt  string `json:"lastCycleAt,omitempty"`
	LastCycleErr string `json:"lastCycleError,omitempty"`
	Cursor       int64  `json:"cursor"`
}

// Server wraps an echo instance serving /healthz and, when enabled, /metrics.
type Server struct {
	echo *echo.Echo
}

// New builds the ops server. metricsEnabled controls whether /metrics is
// registered; it is off when no metrics address was configured. scrapeRate
// caps requests per second from each client IP (0 disables the limiter),
// protecting the cycle thread from a misconfigured scraper.
func New(status *Status, metricsEnabled bool, scrapeRate float64) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if scrapeRate > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(scrapeRate))))
	}

	e.GET("/healthz", func(c echo.Context) error {
		lastCycleAt, lastErr, cursor := status.snapshot()
		resp := healthResponse{Status: "ok", Cursor: cursor}
		if !lastCycleAt.IsZero() {
			resp.LastCycleAt = lastCycleAt.Format(time.RFC3339)
		}
		if lastErr != nil {
			resp.Status = "degraded"
			resp.LastCycleErr = lastErr.Error()
		}
		return c.JSON(http.StatusOK, resp)
	})

	if metricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, version.Build())
	})

	return &Server{echo: e}
}

// Start runs the ops server until ctx is cancelled, then shuts it down
// gracefully within shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
