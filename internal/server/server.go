package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/topalex/icecast-kh/config"
	"github.com/topalex/icecast-kh/internal/auth"
	"github.com/topalex/icecast-kh/internal/fserve"
	"github.com/topalex/icecast-kh/internal/stats"
)

// securityHeaders is middleware that adds standard security headers to every
// response. These mitigate clickjacking, MIME-sniffing, and information
// leakage on the admin and status pages.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

type Server struct {
	config     *config.Config
	engine     *fserve.Engine
	auth       *auth.Auth
	stats      *stats.Registry
	httpServer *http.Server
}

func NewServer(cfg *config.Config) *Server {
	registry := stats.NewRegistry(prometheus.DefaultRegisterer)

	authInstance := auth.New(auth.Config{
		Username:           cfg.AdminUser,
		Password:           cfg.AdminPassword,
		MaxLoginAttempts:   5,
		LoginWindowSeconds: 900, // 15 minutes
	})

	s := &Server{
		config: cfg,
		auth:   authInstance,
		stats:  registry,
	}

	cfgFunc := func() *config.Config { return cfg }
	s.engine = fserve.New(cfgFunc, registry, fserve.Hooks{
		DuplicateLogin:  authInstance.CheckDuplicateLogin,
		Release:         authInstance.ReleaseListener,
		RedirectMissing: s.redirectMissing,
		SendM3U:         s.sendM3U,
		SendXSPF:        s.sendXSPF,
	})

	mux := http.NewServeMux()

	// --- Public status endpoints ---
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	// --- Admin endpoints (Basic auth) ---
	mux.HandleFunc("GET /admin/killclient", s.auth.Middleware(s.adminKillClient))
	mux.HandleFunc("GET /admin/listclients", s.auth.Middleware(s.adminListClients))
	mux.HandleFunc("POST /admin/moveclients", s.auth.Middleware(s.adminMoveClients))
	mux.HandleFunc("GET /admin/querycount", s.auth.Middleware(s.adminQueryCount))
	mux.HandleFunc("POST /admin/reloadmime", s.auth.Middleware(s.adminReloadMime))
	mux.HandleFunc("GET /admin/stats", s.auth.Middleware(s.adminStats))

	// --- File serving (must be last) ---
	mux.HandleFunc("/", s.fileHandler)

	s.httpServer = &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        securityHeaders(mux),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   0, // No timeout for streaming
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB max header size
	}
	return s
}

// Engine exposes the file-serving engine, mainly for housekeeping wiring.
func (s *Server) Engine() *fserve.Engine { return s.engine }

func (s *Server) Start(ctx context.Context) error {
	go s.engine.RunHousekeeper(ctx, time.Second)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.engine.Shutdown()
		return err
	}
}

// ---------------------------------------------------------------------------
// Helper methods
// ---------------------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"status": "error",
		"error":  message,
	})
}

// ---------------------------------------------------------------------------
// Public endpoints
// ---------------------------------------------------------------------------

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"station_name":      s.config.StationName,
		"listeners":         s.engine.Listeners(),
		"cached_files":      s.engine.CacheSize(),
		"outgoing_kbitrate": s.engine.GlobalRate().Avg() * 8 / 1024,
		"server_time":       time.Now().Format(time.RFC3339),
	})
}
