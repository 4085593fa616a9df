// Package daemon provides the background daemon that owns the camera and
// publishes the Visage message-bus service.
package daemon

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aigusta-Labs/visage/internal/camera"
	"github.com/Aigusta-Labs/visage/internal/config"
	"github.com/Aigusta-Labs/visage/internal/engine"
	"github.com/Aigusta-Labs/visage/internal/inference"
	"github.com/Aigusta-Labs/visage/internal/liveness"
	"github.com/Aigusta-Labs/visage/internal/models"
	"github.com/Aigusta-Labs/visage/internal/ratelimit"
	"github.com/Aigusta-Labs/visage/internal/service"
	"github.com/Aigusta-Labs/visage/internal/store"
	"github.com/sirupsen/logrus"
)

// Run starts the daemon with the given arguments.
func Run(args []string) {
	fs := flag.NewFlagSet("visaged", flag.ExitOnError)
	configPath := fs.String("config", "/etc/visage/visage.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	version := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	if *version {
		printVersion()
		return
	}

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warnf("failed to load config from %s: %v", *configPath, err)
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := setupSignalHandling(logger)
	defer cancel()

	logger.Info("starting visage daemon...")
	if err := runDaemon(ctx, cfg, logger); err != nil {
		logger.Fatalf("daemon error: %v", err)
	}
}

func setupSignalHandling(logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	return ctx, cancel
}

// runDaemon wires the store, engine, rate limiter, and service together and
// blocks until ctx is cancelled. Any failure here before the bus name is
// claimed is fatal (spec.md §4.4 startup, §7).
func runDaemon(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if err := models.Ensure(cfg.ModelDir); err != nil {
		return fmt.Errorf("model registry: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Errorf("failed to close store: %v", err)
		}
	}()

	det, err := inference.NewONNXDetector(cfg.ModelDir)
	if err != nil {
		return fmt.Errorf("load detector: %w", err)
	}
	rec, err := inference.NewONNXRecognizer(cfg.ModelDir)
	if err != nil {
		return fmt.Errorf("load recognizer: %w", err)
	}

	camCfg := camera.Config{
		Device:         cfg.CameraDevice,
		PixelFormat:    "MJPEG",
		EmitterEnabled: cfg.EmitterEnabled,
	}
	eng, err := engine.Start(camCfg, det, rec, cfg.WarmupFrames, logger)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Errorf("failed to close engine: %v", err)
		}
	}()

	limiter := ratelimit.New()
	liven := liveness.New(cfg.LivenessMinDisplacement)

	svc := service.New(cfg, st, eng, limiter, liven, logger)
	conn, err := svc.Register()
	if err != nil {
		return fmt.Errorf("register bus service: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Errorf("failed to close bus connection: %v", err)
		}
	}()

	logger.Infof("visage daemon listening on %s (session_bus=%v)", cfg.BusName(), cfg.SessionBus)

	<-ctx.Done()
	logger.Info("visage daemon shutting down...")

	return nil
}

func printVersion() {
	fmt.Println("Visage Daemon")
	fmt.Println("=============")
	fmt.Println("Version: 1.0.0")
	fmt.Println("License: MIT")
}
