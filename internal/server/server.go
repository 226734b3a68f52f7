package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"openai-emulator/internal/catalog"
	"openai-emulator/internal/config"
	"openai-emulator/internal/engine"
	"openai-emulator/internal/models"
	"openai-emulator/internal/timing"
	"openai-emulator/internal/translator"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	engine  *engine.Engine
	catalog *catalog.Catalog
	timing  timing.Defaults
	app     *echo.Echo
	address string
	now     func() time.Time
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, eng *engine.Engine, cat *catalog.Catalog) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine must not be nil")
	}
	if cat == nil {
		return nil, errors.New("catalog must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.HTTPErrorHandler = detailErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		engine:  eng,
		catalog: cat,
		timing: timing.Defaults{
			FirstTokenMS: cfg.Timing.FirstTokenMS,
			InterTokenMS: cfg.Timing.InterTokenMS,
			OutputLength: cfg.Timing.OutputLength,
		},
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
		now:     time.Now,
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, tokenizerMode string) error {
	printStartupBanner(s.cfg.Server.Port, tokenizerMode)
	slog.Info("starting server", "addr", s.address, "tokenizer", tokenizerMode)

	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.app,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now().Unix(),
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromModels(s.catalog.List(), s.now().Unix()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	params, err := s.timing.Derive(c.Request().Header)
	if err != nil {
		return toHTTPError(err)
	}

	if s.cfg.Server.StrictModels {
		if _, err := s.catalog.Lookup(req.Model); err != nil {
			return toHTTPError(err)
		}
	}

	completionReq := req.ToModel()
	if completionReq.Stream {
		return s.streamChatCompletion(c, completionReq, params)
	}

	ctx := c.Request().Context()
	completion, err := s.engine.Complete(ctx, completionReq, params)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromCompletion(completion))
}

func (s *Server) streamChatCompletion(c echo.Context, req models.CompletionRequest, params models.TimingParams) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
		}
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	err := s.engine.Stream(ctx, req, params, func(chunk models.StreamChunk) error {
		if err := translator.WriteChunk(c.Response(), chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are already on the wire; the only option left is to stop.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("stream closed by client", "model", req.Model, "error", err)
		} else {
			slog.Warn("stream write failed", "model", req.Model, "error", err)
		}
		return nil
	}

	if err := translator.WriteDone(c.Response()); err != nil {
		slog.Warn("failed to write stream sentinel", "error", err)
		return nil
	}
	flusher.Flush()
	return nil
}

func (s *Server) decodeRequestBody(c echo.Context, target *translator.ChatCompletionRequest) error {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("read request body: %v", err),
		}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body is required",
		}
	}

	// Unmarshal rejects trailing data after the first value.
	if err := json.Unmarshal(body, target); err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, translator.ErrorResponse{Detail: message})
}

func detailErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message))
		return
	}

	slog.Error("unhandled error", "error", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, timing.ErrInvalidHeader), errors.Is(err, catalog.ErrUnknownModel):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "request cancelled before completion",
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
	}
}

func printStartupBanner(port int, tokenizerMode string) {
	host := "127.0.0.1"
	bold := color.New(color.Bold, color.FgGreen)
	faint := color.New(color.Faint)

	fmt.Println()
	bold.Println("openai-emulator ready")
	fmt.Printf("Listening on http://%s:%d (tokenizer: %s)\n", host, port, tokenizerMode)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	faint.Println("Pacing headers: X-TTFT-MS, X-ITL-MS (milliseconds), X-OUTPUT-LENGTH (tokens)")
	fmt.Printf("Example:\n  curl -N http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -H 'X-TTFT-MS: 200' -H 'X-ITL-MS: 30' -H 'X-OUTPUT-LENGTH: 25' -d '{\"model\":\"gpt-4\",\"stream\":true,\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
