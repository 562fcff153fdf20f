// Package server exposes a workspace over HTTP for agent wrappers that
// run in other processes.
//
// Every route maps onto one workspace.Manager call. Contention is not an
// error at this layer either: a lock that could not be obtained in time
// is reported with 423 Locked and a JSON body, and callers retry.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/metrics"
	"github.com/Iron-Ham/agentspace/internal/workspace"
)

// shutdownTimeout bounds how long in-flight requests get after the
// serve context is canceled.
const shutdownTimeout = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics serves mt on /metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = mt
	}
}

// Server routes HTTP requests to a workspace.
type Server struct {
	ws      *workspace.Manager
	metrics *metrics.Metrics
	logger  *logging.Logger
	engine  *gin.Engine
}

// New builds the router for ws.
func New(ws *workspace.Manager, opts ...Option) *Server {
	s := &Server{
		ws:     ws,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("server")

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := r.Group("/v1")
	v1.POST("/acquire", s.acquire)
	v1.POST("/release", s.release)
	v1.GET("/read", s.read)
	v1.POST("/write", s.write)
	v1.GET("/files", s.files)
	v1.GET("/agents", s.agents)
	v1.GET("/agents/:agent/view", s.view)
	v1.GET("/audit", s.audit)
	v1.POST("/snapshot", s.snapshot)

	s.engine = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", args...)
			return
		}
		s.logger.Debug("request", args...)
	}
}

// statusFor maps workspace errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidInput),
		errors.Is(err, errors.ErrInvalidAgent),
		errors.Is(err, errors.ErrPathOutsideWorkspace):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, &errors.NotFoundError{}):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.IsUserFacing(err) {
		// Internal failures name host paths; the server log keeps them.
		msg = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		s.logAt(errors.GetSeverity(err), "request error", "route", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": msg, "retryable": errors.IsRetryable(err)})
}

// locked answers a lock that could not be obtained within timeout. field
// names the boolean result of the route.
func (s *Server) locked(c *gin.Context, field, path string, timeout time.Duration) {
	err := errors.NewTimeoutError("waiting for lock on "+path, timeout)
	c.JSON(http.StatusLocked, gin.H{field: false, "error": err.Error(), "retryable": errors.IsRetryable(err)})
}

func (s *Server) logAt(sev errors.Severity, msg string, args ...any) {
	switch {
	case sev >= errors.SeverityError:
		s.logger.Error(msg, args...)
	case sev == errors.SeverityWarning:
		s.logger.Warn(msg, args...)
	default:
		s.logger.Info(msg, args...)
	}
}
