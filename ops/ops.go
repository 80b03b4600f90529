// Package ops serves the node's operator endpoints over HTTP:
//
//	GET /healthz  200 while the node is registered and reporting, 503 otherwise
//	GET /status   identity, lifecycle state and current load
//	GET /metrics  prometheus exposition
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"

	"fleet-rpc/lifecycle"
	"fleet-rpc/node"
	"fleet-rpc/rpcerr"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is what the endpoints report on.
type Source interface {
	Status() node.Status
}

// Server is the node's HTTP ops endpoint.
type Server struct {
	e      *echo.Echo
	src    Source
	logger log.Logger
}

func NewServer(src Source, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		e:      echo.New(),
		src:    src,
		logger: log.WithPrefix(logger, "component", "ops"),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError

	s.e.GET("/healthz", s.healthz)
	s.e.GET("/status", s.status)
	s.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

// Serve blocks until Shutdown; it returns nil in that case.
func (s *Server) Serve(lis net.Listener) error {
	s.e.Listener = lis
	level.Info(s.logger).Log("msg", "ops endpoint listening", "addr", lis.Addr())
	if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) healthz(c echo.Context) error {
	st := s.src.Status()
	if st.State != lifecycle.Active.String() {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: st.State})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.src.Status())
}

type errResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var codeToStatus = map[string]int{
	rpcerr.CodeBadRequest:  http.StatusBadRequest,
	rpcerr.CodeNotFound:    http.StatusNotFound,
	rpcerr.CodeRejected:    http.StatusConflict,
	rpcerr.CodeUnavailable: http.StatusServiceUnavailable,
	rpcerr.CodeTimeout:     http.StatusGatewayTimeout,
	rpcerr.CodeRateLimited: http.StatusTooManyRequests,
}

// handleError answers echo's own errors (unknown route, wrong method) with
// their status and anything else by its rpcerr code.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	resp := errResponse{Code: rpcerr.CodeInternal, Message: "an internal error has occurred"}
	status := http.StatusInternalServerError

	var he *echo.HTTPError
	var re *rpcerr.Error
	switch {
	case errors.As(err, &he):
		status = he.Code
		resp.Code = http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			resp.Message = m
		}
	case errors.As(err, &re):
		if st, ok := codeToStatus[re.Code]; ok {
			status = st
		}
		resp.Code, resp.Message = re.Code, re.Message
	}

	if status >= http.StatusInternalServerError {
		level.Error(s.logger).Log("msg", "ops request failed", "path", c.Path(), "err", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, resp)
}
