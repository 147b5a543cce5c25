package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/audit"
	"classattend/internal/auth"
	"classattend/internal/clock"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/faceclient"
	"classattend/internal/handler"
	"classattend/internal/httpmiddleware"
	"classattend/internal/ledger"
	"classattend/internal/logging"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/roster"
	"classattend/internal/session"
	"classattend/internal/store"
)

func main() {
	cfg := config.Load()
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		slog.Error("invalid logging config", "err", err)
		os.Exit(1)
	}

	// Set Gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		slog.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.OpenBackend(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	slog.Info("store ready", "driver", cfg.StoreDriver)

	clk := clock.Real{}
	sessions := session.NewManager(st, clk, session.Config{DefaultTTL: cfg.SessionTTL, MaxTTL: cfg.SessionMaxTTL})
	directory := roster.NewService(st, clk, cfg.EmbeddingDim)
	led := ledger.New(st)

	if cfg.RosterPath != "" {
		if _, err := directory.LoadFile(ctx, cfg.RosterPath); err != nil {
			return err
		}
	}

	checks := map[string]handler.HealthCheck{"db": st.Ping}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		q = queue.NewRedisQueue(redisClient.Client, "attendance:marked")
		checks["redis"] = func(ctx context.Context) error { return redisClient.Client.Ping(ctx).Err() }
	}

	// with FACE_SKIP the engine gets no embedder, so photo-only claims carry
	// no biometric evidence
	var embedder attendance.Embedder
	var scorer audit.Scorer
	if !cfg.FaceSkip {
		face := faceclient.New(cfg.FaceServiceURL, false)
		checks["face"] = face.Health
		embedder, scorer = face, face
	} else {
		slog.Warn("face service disabled (FACE_SKIP), photo-only submissions cannot be matched")
	}

	// Cloudinary client (nil when not configured)
	var cdnClient *cloudinary.Client
	if cfg.CloudinaryConfigured() {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		slog.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		slog.Info("cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	// the in-memory queue only reaches consumers in this process
	if cfg.QueueBackend == "memory" {
		p := &audit.Processor{Store: st, Scorer: scorer, Clock: clk}
		if cdnClient != nil {
			p.Archiver = cdnClient
		}
		go func() { _ = p.Run(ctx, q) }()
	}

	rec := metrics.New(prometheus.DefaultRegisterer)
	svc := attendance.NewService(attendance.Deps{
		Sessions:  sessions,
		Directory: directory,
		Ledger:    led,
		Clock:     clk,
		Embedder:  embedder,
		Publisher: q,
		Metrics:   rec,
	}, attendance.Config{
		VerifyThreshold:   cfg.VerifyThreshold,
		IdentifyThreshold: cfg.IdentifyThreshold,
		RadiusMeters:      cfg.GeofenceRadiusM,
		EmbeddingDim:      cfg.EmbeddingDim,
		Timeout:           cfg.SubmitTimeout,
	})

	h := &handler.Handler{
		Sessions:      sessions,
		Roster:        directory,
		Ledger:        led,
		Attendance:    svc,
		Metrics:       rec,
		PublicBaseURL: cfg.PublicBaseURL,
		Checks:        checks,
	}
	if cdnClient != nil {
		h.Uploader = cdnClient
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	h.Register(r, auth.InstructorAuth(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.GinMiddleware())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server forced shutdown", "err", err)
	}

	slog.Info("server exited")
	return nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
