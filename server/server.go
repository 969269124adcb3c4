// Package server assembles the HTTP server: middleware, the rag-core API and
// the business API surfaces.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/ai/clarify"
	"github.com/hrygo/parkwise/ai/llm"
	"github.com/hrygo/parkwise/ai/memory"
	"github.com/hrygo/parkwise/ai/metrics"
	"github.com/hrygo/parkwise/ai/resolver"
	"github.com/hrygo/parkwise/ai/workflow"
	"github.com/hrygo/parkwise/internal/profile"
	"github.com/hrygo/parkwise/internal/trace"
	"github.com/hrygo/parkwise/plugin/bizapi"
	apiv1 "github.com/hrygo/parkwise/server/router/api/v1"
	bizrouter "github.com/hrygo/parkwise/server/router/bizapi"
	"github.com/hrygo/parkwise/server/service/billing"
	"github.com/hrygo/parkwise/store"
)

// Server is the assembled HTTP server.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
}

// NewServer wires every component against the profile and store.
func NewServer(ctx context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(traceMiddleware())
	e.Use(requestLogger())

	exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())

	var llmService llm.Service
	if p.IsLLMEnabled() {
		service, err := llm.NewService(&llm.Config{
			APIKey:         p.DeepSeekAPIKey,
			BaseURL:        p.DeepSeekBaseURL,
			Model:          p.DeepSeekModel,
			Timeout:        p.LLMTimeoutSeconds,
			LogFullPayload: p.LLMLogFullPayload,
			LogMaxChars:    p.LLMLogMaxChars,
			Metrics:        exporter,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create llm service")
		}
		llmService = service
	} else {
		slog.Warn("llm disabled: RAG_DEEPSEEK_API_KEY is empty, degrading to deterministic paths")
	}

	engine, err := billing.NewEngine(p.BusinessTimezone)
	if err != nil {
		return nil, errors.Wrap(err, "create billing engine")
	}

	memoryStore := memory.NewStore(p.MemoryMaxTurns, p.MemoryMaxClarifyMessages)

	bizClient := bizapi.NewClient(p.BizAPIBaseURL, time.Duration(p.BizAPITimeoutSeconds)*time.Second).
		WithRecorder(exporter)
	factTools := bizapi.NewFactTools(bizClient)

	var clarifyAgent resolver.ClarifyAgent
	if llmService != nil {
		clarifyAgent = clarify.NewAgent(llmService, clarify.NewToolset(bizClient))
	}

	ragService := apiv1.NewRAGService(&apiv1.RAGServiceConfig{
		Profile:     p,
		Store:       st,
		Memory:      memoryStore,
		Metrics:     exporter,
		Parser:      resolver.NewParser(llmService),
		Gate:        resolver.NewGate(clarifyAgent, p.ClarifyMaxRounds),
		Synthesizer: workflow.NewSynthesizer(llmService),
		FactTools:   factTools,
	})
	ragService.Register(e)

	bizService := bizrouter.NewBizAPIService(st, engine)
	bizService.Register(e)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	return &Server{Profile: p, Store: st, echoServer: e}, nil
}

// Start begins serving in a goroutine.
func (s *Server) Start(_ context.Context) error {
	go func() {
		address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
		if err := s.echoServer.Start(address); err != nil {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("parkwise stopped properly")
}

// traceMiddleware assigns each request a trace id, honoring one supplied by
// the caller, and propagates it via context and response header.
func traceMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(trace.Header)
			if id == "" {
				id = shortuuid.New()
			}
			ctx := trace.WithID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(trace.Header, id)
			return next(c)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"trace_id", trace.ID(c.Request().Context()),
			)
			return nil
		},
	})
}
