package server

import (
	"context"
	"net/http"
	"time"

	"Resona/config"
	"Resona/core/node"
	"Resona/core/player"
	"Resona/logger"

	"github.com/gorilla/mux"
)

// StateSource exposes the live node and player views the diagnostics
// handlers render. The client facade implements it.
type StateSource interface {
	NodeSnapshots() []node.Snapshot
	PlayerSnapshots() []player.Snapshot
}

// Server is the optional diagnostics HTTP server. It serves read-only
// process state and never mutates players or nodes.
type Server struct {
	cfg    *config.Config
	source StateSource
	http   *http.Server
}

// New assembles the diagnostics server for cfg.DiagAddr.
func New(cfg *config.Config, source StateSource) *Server {
	s := &Server{cfg: cfg, source: source}

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()
	router.Use(s.logMiddleware)
	router.HandleFunc("/healthz", s.HealthzHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/nodes", s.NodesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/players", s.PlayersHandler).Methods(http.MethodGet)

	// 设置服务器超时
	s.http = &http.Server{
		Addr:         cfg.DiagAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start brings the server up in the background.
func (s *Server) Start() {
	go func() {
		logger.Info("diagnostics server listening", logger.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("diagnostics server failed", logger.ErrorField(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Warn("diagnostics server shutdown failed", logger.ErrorField(err))
	}
}

// Handler returns the assembled route tree.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("diag request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Duration("took", time.Since(start)))
	})
}
