package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gitlab.com/privcomm/services/server/internal/auth"
	"gitlab.com/privcomm/services/server/internal/config"
	"gitlab.com/privcomm/services/server/internal/db"
	"gitlab.com/privcomm/services/server/internal/keys"
	"gitlab.com/privcomm/services/server/internal/logging"
	"gitlab.com/privcomm/services/server/internal/maintenance"
	"gitlab.com/privcomm/services/server/internal/messages"
	"gitlab.com/privcomm/services/server/internal/metrics"
	"gitlab.com/privcomm/services/server/internal/ratelimit"
	"gitlab.com/privcomm/services/server/internal/relay"
	"gitlab.com/privcomm/services/server/pkg/handlers"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  128 * 1024,
	WriteBufferSize: 128 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	cfg             *config.Config
	db              *db.DB
	authService     *auth.Service
	keysService     *keys.Service
	messagesService *messages.Service
	registry        *relay.Registry
	engine          *relay.Engine
	limiter         *ratelimit.Limiter
	metrics         *metrics.Registry
	iceHandler      *handlers.IceHandler
	logger          zerolog.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger config itself may be broken; use a bare stderr logger.
		fallback := logging.New("info", "json")
		fallback.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("component", "server").Str("environment", cfg.Environment).Msg("Starting relay server")

	database, err := db.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	tokenManager := auth.NewTokenManager(cfg.SecretKey, auth.TokenTTL)
	authService := auth.NewService(database.Postgres, tokenManager, logger)
	keysService := keys.NewService(database.Postgres)
	messagesService := messages.NewService(database.Postgres)

	metricsRegistry := metrics.NewRegistry()
	registry := relay.NewRegistry(relay.DefaultCapacity, logger, metricsRegistry)
	engine := relay.NewEngine(registry, messagesService, logger, metricsRegistry)

	server := &Server{
		cfg:             cfg,
		db:              database,
		authService:     authService,
		keysService:     keysService,
		messagesService: messagesService,
		registry:        registry,
		engine:          engine,
		limiter:         ratelimit.NewLimiter(database.Redis, logger),
		metrics:         metricsRegistry,
		iceHandler:      handlers.NewIceHandler(cfg, logger),
		logger:          logger,
	}

	scheduler := maintenance.NewScheduler(messagesService, keysService, logger)
	if cfg.IsTest() {
		logger.Info().Str("component", "server").Msg("Skipping maintenance scheduler in test environment")
	} else {
		if err := scheduler.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start maintenance scheduler")
		}
		defer scheduler.Stop()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("component", "server").Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Str("component", "server").Msg("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
		return
	}
	logger.Info().Str("component", "server").Msg("Server exited gracefully")
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.corsMiddleware)
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health/", s.handleHealth).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	router.HandleFunc("/api/v1/register",
		s.rateLimit("register", ratelimit.RegisterLimit, s.handleRegister)).Methods("POST")
	router.HandleFunc("/api/v1/keys/{phone_hash}/count", s.handleGetPrekeyCount).Methods("GET")
	router.HandleFunc("/api/v1/keys/{phone_hash}",
		s.rateLimit("keys", ratelimit.BundleLimit, s.handleGetKeyBundle)).Methods("GET")
	router.HandleFunc("/api/v1/auth/token",
		s.rateLimit("token", ratelimit.TokenLimit, s.handleToken)).Methods("POST")
	router.HandleFunc("/api/v1/push-token", s.authMiddleware(s.handleSavePushToken)).Methods("POST")
	router.HandleFunc("/api/v1/ice-servers", s.iceHandler.GetIceServers).Methods("GET")

	router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	return router
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool)
	wildcard := false
	for _, o := range s.cfg.Origins() {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if wildcard {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(scope string, limit ratelimit.Limit, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		retryAfter, err := s.limiter.Allow(r.Context(), scope, clientIP(r), limit)
		if err != nil {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"detail":      "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authorization required")
			return
		}

		userID, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next(w, r.WithContext(withUserID(r.Context(), userID)))
	}
}
