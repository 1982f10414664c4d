package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	addr := os.Getenv("RELAYDOC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := newLogger(os.Getenv("RELAYDOC_LOG_LEVEL"))
	slog.SetDefault(logger)

	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backend: %v", err)
	}

	store := docstore.NewStoreWithOptions(docstore.StoreOptions{
		StateBackend:    stateBackend,
		StateFile:       os.Getenv("RELAYDOC_STATE_FILE"),
		BackendProfile:  strings.TrimSpace(os.Getenv("RELAYDOC_BACKEND_PROFILE")),
		InstanceTTL:     durationEnv("RELAYDOC_INSTANCE_TTL", 0),
		ReapInterval:    durationEnv("RELAYDOC_REAP_INTERVAL", 0),
		WatchBuffer:     intEnv("RELAYDOC_WATCH_BUFFER", 0),
		MaxContentBytes: intEnv("RELAYDOC_MAX_CONTENT_BYTES", 0),
		Logger:          logger,
	})
	defer store.Close()

	registry, err := newMetricsRegistry()
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:         os.Getenv("RELAYDOC_JWT_SECRET"),
		RateLimitMax:      intEnv("RELAYDOC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   durationEnv("RELAYDOC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      int64Env("RELAYDOC_MAX_BODY_BYTES", 0),
		WatchPingInterval: durationEnv("RELAYDOC_WATCH_PING_INTERVAL", 0),
		RelayPairTimeout:  durationEnv("RELAYDOC_RELAY_PAIR_TIMEOUT", 0),
		Gatherer:          registry,
		Logger:            logger,
	})

	httpServer := &http.Server{Addr: addr, Handler: server, ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYDOC_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	logger.Info("relaydoc listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newMetricsRegistry() (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	all = append(all, docstore.Collectors()...)
	all = append(all, provider.Collectors()...)
	for _, c := range all {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStateBackendFromEnv() (docstore.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	backendDSN := strings.TrimSpace(os.Getenv("RELAYDOC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("RELAYDOC_STATE_FILE"))
	switch {
	case backendDSN != "":
		return docstore.BuildStateBackendFromDSN(backendDSN)
	case stateFile != "":
		return docstore.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return docstore.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

// storageProfileDefaultFromEnv maps RELAYDOC_BACKEND_PROFILE to a state DSN.
// "custom" defers to RELAYDOC_STATE_BACKEND_DSN, which accepts redis://,
// pebble:// and bolt:// as well.
func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYDOC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("RELAYDOC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".relaydoc"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("RELAYDOC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("RELAYDOC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("RELAYDOC_PRODUCTION_DSN or RELAYDOC_POSTGRES_DSN is required when RELAYDOC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported RELAYDOC_BACKEND_PROFILE: %s", profile)
	}
}
