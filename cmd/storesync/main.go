// Command storesync is the central ingest server receiving store batches.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/config"
	"github.com/pdvdash/storesync/internal/httpapi"
	"github.com/pdvdash/storesync/internal/metrics"
	"github.com/pdvdash/storesync/internal/warehouse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	config.InitLog(config.LogConfig{
		Level:  envOrDefault("STORESYNC_LOG_LEVEL", "info"),
		Format: envOrDefault("STORESYNC_LOG_FORMAT", "text"),
	})
	addr := envOrDefault("STORESYNC_ADDR", ":8080")
	dsn := strings.TrimSpace(os.Getenv("STORESYNC_WAREHOUSE_DSN"))
	if dsn == "" {
		log.Fatal("STORESYNC_WAREHOUSE_DSN is required")
	}
	cat, err := loadCatalog(strings.TrimSpace(os.Getenv("STORESYNC_CATALOG_FILE")))
	if err != nil {
		log.WithField("err", err).Fatal("failed to load catalog")
	}

	wh, err := warehouse.NewPostgres(dsn)
	if err != nil {
		log.WithField("err", err).Fatal("failed to initialize warehouse")
	}
	defer wh.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = wh.Ping(pingCtx)
	cancel()
	if err != nil {
		log.WithField("err", err).Fatal("warehouse unreachable")
	}

	prometheus.MustRegister(metrics.ServerCollectors()...)
	server := httpapi.NewServer(wh, httpapi.ServerConfig{
		Routes:          httpapi.RoutesFromCatalog(cat),
		MaxBodyBytes:    int64Env("STORESYNC_MAX_BODY_BYTES", 0),
		TenantCacheSize: intEnv("STORESYNC_TENANT_CACHE_SIZE", 0),
		TenantCacheTTL:  durationEnv("STORESYNC_TENANT_CACHE_TTL", time.Minute),
		RateLimitMax:    intEnv("STORESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("STORESYNC_RATE_LIMIT_WINDOW", time.Minute),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 30 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(log.Fields{"addr": addr, "tables": len(cat.Tables)}).Info("storesync listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithField("err", err).Fatal("server failed")
	}
}

func loadCatalog(path string) (catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.WithField("value", raw).Warnf("invalid %s, using fallback %d", name, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.WithField("value", raw).Warnf("invalid %s, using fallback %d", name, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.WithField("value", raw).Warnf("invalid %s, using fallback %s", name, fallback.String())
		return fallback
	}
	return value
}
