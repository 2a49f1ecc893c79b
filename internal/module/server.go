package module

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/talkie-voice-lab/internal/logging"
)

// ServerConfig describes a module backend served over HTTP.
type ServerConfig struct {
	Name     string
	Version  string
	APIKey   string
	Handlers Handlers
}

// Server exposes a Handlers table with the same wire shape Client speaks.
type Server struct {
	cfg   ServerConfig
	e     *echo.Echo
	ready atomic.Bool
	start time.Time

	requests   atomic.Int64
	errors     atomic.Int64
	latencyNs  atomic.Int64
	byEndpoint sync.Map // path -> *atomic.Int64
}

// publicPaths skip authentication.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, e: echo.New(), start: time.Now()}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError
	s.e.Use(middleware.Recover())
	s.e.Use(s.requestID)
	if cfg.APIKey != "" {
		s.e.Use(s.authenticate)
	}

	s.e.GET("/health", s.health)
	s.e.GET("/health/live", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "alive": true})
	})
	s.e.GET("/health/ready", func(c echo.Context) error {
		status := "ok"
		if !s.ready.Load() {
			status = "not_ready"
		}
		return c.JSON(http.StatusOK, map[string]any{"status": status, "ready": s.ready.Load(), "module": cfg.Name})
	})
	s.e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"api_version": APIVersion, "module_version": cfg.Version})
	})
	s.e.GET("/metrics", s.metrics)

	ops := make([]string, 0, len(cfg.Handlers))
	for op := range cfg.Handlers {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	for _, name := range ops {
		op := Op(name)
		if op == OpHealth {
			continue
		}
		method, path := op.route()
		s.e.Add(method, path, s.invoke(op, cfg.Handlers[op]))
	}
	return s
}

// SetReady flips the readiness reported by /health.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Handler returns the HTTP handler, for httptest or a custom listener.
func (s *Server) Handler() http.Handler { return s.e }

// Start listens on addr until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start(addr string) error {
	logging.Infow("module server listening", "module", s.cfg.Name, "addr", addr)
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set("X-Request-ID", id)
		ctx := WithRequestID(req.Context(), id)
		ctx = logging.WithFields(ctx, "request_id", id, "module", s.cfg.Name)
		c.SetRequest(req.WithContext(ctx))

		began := time.Now()
		s.requests.Add(1)
		counter, _ := s.byEndpoint.LoadOrStore(req.URL.Path, new(atomic.Int64))
		counter.(*atomic.Int64).Add(1)

		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.latencyNs.Add(int64(time.Since(began)))
		if c.Response().Status >= 400 {
			s.errors.Add(1)
		}
		logging.DebugwCtx(ctx, "module request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status, "latency_ms", time.Since(began).Milliseconds())
		return nil
	}
}

func (s *Server) keyMatches(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if publicPaths[req.URL.Path] {
			return next(c)
		}
		if token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); ok && s.keyMatches(token) {
			return next(c)
		}
		if key := req.Header.Get("X-API-Key"); key != "" && s.keyMatches(key) {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, Envelope{Error: KindAuthenticationFailed.Code(), Message: "Invalid API key"})
	}
}

func (s *Server) health(c echo.Context) error {
	if h, ok := s.cfg.Handlers[OpHealth]; ok {
		res, err := h(c.Request().Context(), nil)
		if err != nil {
			return s.writeError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Ready: s.ready.Load(), Version: APIVersion, Module: s.cfg.Name})
}

func (s *Server) invoke(op Op, h HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.ready.Load() {
			return c.JSON(http.StatusServiceUnavailable, Envelope{Error: KindServiceUnavailable.Code(), Message: "Module not initialized"})
		}
		var payload json.RawMessage
		if c.Request().Body != nil {
			b, err := io.ReadAll(io.LimitReader(c.Request().Body, maxResponseBytes))
			if err != nil {
				return c.JSON(http.StatusBadRequest, Envelope{Error: KindBadRequest.Code(), Message: err.Error()})
			}
			if len(strings.TrimSpace(string(b))) > 0 {
				if !json.Valid(b) {
					return c.JSON(http.StatusBadRequest, Envelope{Error: KindBadRequest.Code(), Message: "request body is not valid JSON"})
				}
				payload = b
			}
		}
		res, err := h(c.Request().Context(), payload)
		if err != nil {
			return s.writeError(c, err)
		}
		if res == nil {
			res = Ack{OK: true}
		}
		return c.JSON(http.StatusOK, res)
	}
}

func (s *Server) writeError(c echo.Context, err error) error {
	kind := KindOf(err)
	env := Envelope{Error: kind.Code(), Message: err.Error()}
	var me *Error
	if errors.As(err, &me) {
		env.Details = me.Details
		if me.Message != "" {
			env.Message = me.Message
		}
	}
	logging.WarnwCtx(c.Request().Context(), "module handler failed", "path", c.Path(), "err", err)
	return c.JSON(statusFor(kind), env)
}

func statusFor(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindAuthenticationFailed:
		return http.StatusUnauthorized
	case KindServiceUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := "internal_error"
		switch he.Code {
		case http.StatusNotFound:
			code = "not_found"
		case http.StatusMethodNotAllowed:
			code = "method_not_allowed"
		case http.StatusBadRequest:
			code = KindBadRequest.Code()
		}
		msg, _ := he.Message.(string)
		_ = c.JSON(he.Code, Envelope{Error: code, Message: msg})
		return
	}
	_ = c.JSON(http.StatusInternalServerError, Envelope{Error: "internal_error", Message: err.Error()})
}

func (s *Server) metrics(c echo.Context) error {
	byEndpoint := map[string]int64{}
	s.byEndpoint.Range(func(k, v any) bool {
		byEndpoint[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	requests := s.requests.Load()
	avg := 0.0
	if requests > 0 {
		avg = time.Duration(s.latencyNs.Load() / requests).Seconds()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"requests_total":       requests,
		"requests_by_endpoint": byEndpoint,
		"errors_total":         s.errors.Load(),
		"average_latency_sec":  avg,
		"uptime_sec":           time.Since(s.start).Seconds(),
		"ready":                s.ready.Load(),
	})
}
