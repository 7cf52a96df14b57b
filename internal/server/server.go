// Package server hosts the loopback HTTP gateway: the main completion
// endpoint, the OAuth login endpoints, and the health and status probes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/Davincible/claude-proxy/internal/config"
	"github.com/Davincible/claude-proxy/internal/credentials"
	"github.com/Davincible/claude-proxy/internal/metrics"
	"github.com/Davincible/claude-proxy/internal/middleware"
	"github.com/Davincible/claude-proxy/internal/oauth"
	"github.com/Davincible/claude-proxy/internal/process"
	"github.com/Davincible/claude-proxy/internal/providers"
	"github.com/Davincible/claude-proxy/internal/router"
	"github.com/Davincible/claude-proxy/internal/vision"
)

type Server struct {
	cfg     *config.Manager
	logger  *slog.Logger
	procMgr *process.Manager
	metrics *metrics.Metrics

	router   *router.Router
	store    *credentials.Store
	engine   *oauth.Engine
	describer *vision.Describer

	codex       *providers.CodexAdapter
	gemini      *providers.GeminiAdapter
	openrouter  *providers.OpenRouterAdapter
	passthrough *providers.PassthroughAdapter

	// active is the last non-anthropic-passthrough selection, read as the
	// default for ambiguous model names. Holds a router.Selection.
	active atomic.Value

	server *http.Server
}

func New(cfg *config.Manager, procMgr *process.Manager, logger *slog.Logger) *Server {
	store := credentials.NewStore(cfg.BaseDir())
	engine := oauth.NewEngine(store, logger)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		procMgr:   procMgr,
		metrics:   metrics.New(),
		router:    router.New(cfg.Get().Aliases),
		store:     store,
		engine:    engine,
		describer: vision.NewDescriber(cfg, logger),

		codex:       providers.NewCodexAdapter(cfg, engine, logger),
		gemini:      providers.NewGeminiAdapter(cfg, engine, store, logger),
		openrouter:  providers.NewOpenRouterAdapter(cfg, logger),
		passthrough: providers.NewPassthroughAdapter(cfg, logger),
	}
	return s
}

func (s *Server) activeSelection() *router.Selection {
	if v := s.active.Load(); v != nil {
		sel := v.(router.Selection)
		return &sel
	}
	return nil
}

// setActive records the selection. Called before the dispatch's first
// network call so concurrent requests always observe a complete write.
func (s *Server) setActive(sel router.Selection) {
	s.active.Store(sel)
}

func (s *Server) Start() error {
	cfg := s.cfg.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	s.logger.Info("gateway listening", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("bind %s: %w", addr, err)
	case <-quit:
	}

	s.logger.Info("gateway shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.TelemetrySink(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://127.0.0.1:*", "http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/v1/messages", s.handleMessages)
	r.Get("/healthz", s.handleHealth)
	r.Get("/_status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	mountOAuth := func(prefix string, provider oauth.ProviderConfig) {
		r.Route("/"+prefix, func(r chi.Router) {
			r.Get("/login", s.handleLoginPage(prefix, provider))
			r.Get("/login/start", s.handleLoginStart(prefix, provider))
			r.Get("/callback", s.handleCallback(prefix, provider))
			r.Get("/status", s.handleOAuthStatus(provider))
			r.Post("/logout", s.handleLogout(provider))
		})
	}
	mountOAuth("google", oauth.Google)
	mountOAuth("codex", oauth.Codex)

	return r
}
