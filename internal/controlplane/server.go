// Package controlplane implements the authenticated HTTP control plane
// (C9): gin handlers that bridge synchronous HTTP requests into the
// async device runtime orchestrator, the digital-task service, and the
// lifelog/observability stores, guarded by bearer auth, a sliding-window
// rate limiter, and a nonce+timestamp replay guard.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/opencane/gateway/internal/digitaltask"
	"github.com/opencane/gateway/internal/logging"
	"github.com/opencane/gateway/internal/runtime"
	"github.com/opencane/gateway/internal/store"
)

// Config is the control plane's cross-cutting configuration, derived from
// config.Settings.Hardware.ControlAPI.
type Config struct {
	ListenAddr string

	AuthEnabled bool
	AuthToken   string

	// DeviceTokenSecret signs device activation tokens (LifelogDB.Activate).
	DeviceTokenSecret string

	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int
	RateLimitWindowS int

	// RateLimitRedisAddr, when set, backs the rate limiter with Redis
	// instead of the in-process bucket, so multiple control-plane
	// replicas share one counter per identity.
	RateLimitRedisAddr     string
	RateLimitRedisPassword string
	RateLimitRedisDB       int

	ReplayEnabled bool
	ReplayWindowS int

	MaxRequestBodyBytes int64

	MinTaskTotalForAlert         int
	IngestRejectedActiveQueueMin int
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg Config

	orchestrator  *runtime.Orchestrator
	tasks         *digitaltask.Service
	lifelog       *store.LifelogDB
	observability *store.ObservabilityDB

	log     *logging.Logger
	limiter limiter
	replay  *replayGuard

	engine *gin.Engine
	http   *http.Server
}

// Deps bundles the control plane's backing services.
type Deps struct {
	Orchestrator  *runtime.Orchestrator
	Tasks         *digitaltask.Service
	Lifelog       *store.LifelogDB
	Observability *store.ObservabilityDB
	Log           *logging.Logger
}

// New builds the control-plane HTTP server and registers every route.
func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logging.New(false)
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	var lim limiter
	if cfg.RateLimitRedisAddr != "" {
		lim = newRedisLimiter(redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimitRedisAddr,
			Password: cfg.RateLimitRedisPassword,
			DB:       cfg.RateLimitRedisDB,
		}), cfg.RateLimitRPM, cfg.RateLimitWindowS)
	} else {
		lim = newSlidingLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.RateLimitWindowS)
	}

	s := &Server{
		cfg:           cfg,
		orchestrator:  deps.Orchestrator,
		tasks:         deps.Tasks,
		lifelog:       deps.Lifelog,
		observability: deps.Observability,
		log:           log.Named("controlplane"),
		limiter:       lim,
		replay:        newReplayGuard(cfg.ReplayWindowS),
		engine:        engine,
	}

	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Errorf("panic recovered: %v", recovered)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}))
	engine.Use(s.bodyLimitMiddleware(), s.authMiddleware(), s.rateLimitMiddleware(), s.replayGuardMiddleware())

	engine.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.registerRoutes(engine)

	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}
	return s
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// withTimeout bounds a handler's work, per spec.md §4.9's 5-30s
// per-endpoint timeout and the timeout->504 mapping.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// respondError maps a handler error to the spec.md §4.9 status code table.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, digitaltask.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
	case errors.Is(err, digitaltask.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "detail": err.Error()})
	case errors.Is(err, digitaltask.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "detail": err.Error()})
	case errors.Is(err, digitaltask.ErrAlreadyFinal):
		c.JSON(http.StatusBadRequest, gin.H{"error": "already_final", "detail": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
	}
}
