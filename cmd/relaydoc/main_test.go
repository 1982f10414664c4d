package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_INT", "42")
	got := intEnv("RELAYDOC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_INT_BAD", "not-a-number")
	got := intEnv("RELAYDOC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_INT64", "33554432")
	if got := int64Env("RELAYDOC_TEST_INT64", 1); got != 33554432 {
		t.Fatalf("expected 33554432, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_DURATION", "150ms")
	got := durationEnv("RELAYDOC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_DURATION_BAD", "soon")
	got := durationEnv("RELAYDOC_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("RELAYDOC_TEST_INT_UNSET")
	_ = os.Unsetenv("RELAYDOC_TEST_DURATION_UNSET")

	if got := intEnv("RELAYDOC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("RELAYDOC_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestStorageProfiles(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("RELAYDOC_DATA_DIR", dataDir)

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "memory")
	if dsn, err := storageProfileDefaultFromEnv(); err != nil || dsn != "memory://" {
		t.Fatalf("memory profile: got %q, %v", dsn, err)
	}

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "durable-local")
	dsn, err := storageProfileDefaultFromEnv()
	if err != nil {
		t.Fatalf("durable-local profile: %v", err)
	}
	if dsn != "file://"+filepath.Join(dataDir, "state.json") {
		t.Fatalf("unexpected durable-local dsn %q", dsn)
	}

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "production")
	t.Setenv("RELAYDOC_PRODUCTION_DSN", "")
	t.Setenv("RELAYDOC_POSTGRES_DSN", "")
	if _, err := storageProfileDefaultFromEnv(); err == nil {
		t.Fatalf("expected production profile without a dsn to fail")
	}
	t.Setenv("RELAYDOC_POSTGRES_DSN", "postgres://relaydoc@localhost/relaydoc")
	if dsn, err := storageProfileDefaultFromEnv(); err != nil || !strings.HasPrefix(dsn, "postgres://") {
		t.Fatalf("production profile: got %q, %v", dsn, err)
	}

	t.Setenv("RELAYDOC_BACKEND_PROFILE", "floppy")
	if _, err := storageProfileDefaultFromEnv(); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestBuildStateBackendPrefersExplicitDSN(t *testing.T) {
	t.Setenv("RELAYDOC_BACKEND_PROFILE", "memory")
	t.Setenv("RELAYDOC_STATE_FILE", "")
	t.Setenv("RELAYDOC_STATE_BACKEND_DSN", "bolt://"+filepath.Join(t.TempDir(), "state.db"))

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build backend: %v", err)
	}
	bolt, ok := backend.(*docstore.BoltStateBackend)
	if !ok {
		t.Fatalf("expected bolt backend, got %T", backend)
	}
	_ = bolt.Close()

	t.Setenv("RELAYDOC_STATE_BACKEND_DSN", "")
	backend, err = buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build backend: %v", err)
	}
	if _, ok := backend.(*docstore.InMemoryStateBackend); !ok {
		t.Fatalf("expected memory backend from profile, got %T", backend)
	}
}

func TestMetricsRegistryAcceptsAllCollectors(t *testing.T) {
	registry, err := newMetricsRegistry()
	if err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	if _, err := registry.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}
