// Berrycast delivery server
//
// Serves stored files over HTTP byte ranges from the origin store, issues
// playback URL bundles to stream resolvers, falls back to presigned
// secondary-store URLs when the origin is unreachable, and records view
// analytics off the response path.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/berrycast/berrycast/internal/access"
	"github.com/berrycast/berrycast/internal/analytics"
	"github.com/berrycast/berrycast/internal/auth"
	"github.com/berrycast/berrycast/internal/config"
	"github.com/berrycast/berrycast/internal/logging"
	"github.com/berrycast/berrycast/internal/metrics"
	"github.com/berrycast/berrycast/internal/proxy"
	"github.com/berrycast/berrycast/internal/storage"
	s3store "github.com/berrycast/berrycast/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("berrycast delivery server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("origin", cfg.OriginBaseURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Access gate (PostgreSQL)
	logging.Info("connecting to PostgreSQL...")
	gate, err := access.NewStore(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer gate.Close()

	if dir := findMigrationsDir(); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := gate.Migrate(dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Analytics recorder
	recorder := analytics.NewRecorder(analytics.NewPostgresSink(gate.DB()), cfg.AnalyticsQueueSize)
	recorder.Start(ctx)
	defer recorder.Stop()

	// Origin store and liveness prober
	origin := storage.NewHTTPOrigin(cfg.OriginBaseURL)
	prober := storage.NewProber(origin, 15*time.Second)

	// Secondary store (presigned fallback URLs)
	secondary, err := s3store.New(ctx, s3store.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
	})
	if err != nil {
		logging.Fatal("secondary store init failed", zap.Error(err))
	}

	srv := proxy.NewServer(
		gate, origin, secondary, prober, recorder,
		auth.NewTokenParser(cfg.JWTSecret),
		proxy.Config{
			OriginBaseURL: cfg.OriginBaseURL,
			OriginTimeout: cfg.OriginTimeout,
			SignedURLTTL:  cfg.SignedURLTTL,
		},
	)

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic connection metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gate.UpdateConnectionMetrics()
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
