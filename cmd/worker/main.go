package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"classattend/internal/audit"
	"classattend/internal/clock"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/faceclient"
	"classattend/internal/logging"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker consumes attendance.marked messages, archives photos and records
// face detection confidence.
func main() {
	cfg := config.Load()
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		slog.Error("invalid logging config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		slog.Error("the worker needs QUEUE_BACKEND=redis; the memory queue is consumed inside the api process")
		os.Exit(1)
	}
	if cfg.StoreDriver == store.DriverMemory {
		slog.Error("the worker needs a shared store; STORE_DRIVER=memory is private to the api process")
		os.Exit(1)
	}

	st, closeStore, err := store.OpenBackend(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		slog.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = closeStore() }()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	q := queue.NewRedisQueue(redisClient.Client, "attendance:marked")

	p := &audit.Processor{Store: st, Clock: clock.Real{}}
	if !cfg.FaceSkip {
		face := faceclient.New(cfg.FaceServiceURL, false)
		// Check face service health on startup
		if err := face.Health(ctx); err != nil {
			slog.Warn("face service not available, scores will be skipped until it recovers", "err", err)
		} else {
			slog.Info("face service connected")
		}
		p.Scorer = face
	}
	if cfg.CloudinaryConfigured() {
		p.Archiver = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	}

	if err := p.Run(ctx, q); err != nil {
		slog.Error("worker failed", "err", err)
		os.Exit(1)
	}
}
