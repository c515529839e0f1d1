package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("DEPLOY_POLL_SECONDS", "")
	cfg := LoadServerConfig()
	if cfg.DeployPollInterval != 10*time.Second {
		t.Fatalf("expected fallback poll interval, got %s", cfg.DeployPollInterval)
	}
	if cfg.DeployTimeout != 30*time.Minute {
		t.Fatalf("expected 30m deploy timeout, got %s", cfg.DeployTimeout)
	}
	if cfg.SCMSourceBranch != "main" {
		t.Fatalf("unexpected source branch %q", cfg.SCMSourceBranch)
	}
	if cfg.RateLimitExecute >= cfg.RateLimitWrite || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limits execute=%d write=%d window=%s", cfg.RateLimitExecute, cfg.RateLimitWrite, cfg.RateLimitWindow)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("DEPLOY_TIMEOUT_MINUTES", "5")
	t.Setenv("RESOLVER_TRANSITIVE_VALIDATION", "true")
	t.Setenv("LOG_LEVEL", "debug")
	cfg := LoadServerConfig()
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected lowercased driver, got %q", cfg.StoreDriver)
	}
	if cfg.DeployTimeout != 5*time.Minute {
		t.Fatalf("expected 5m, got %s", cfg.DeployTimeout)
	}
	if !cfg.TransitiveResolving {
		t.Fatal("expected transitive resolving")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.LogLevel)
	}
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SHIPYARD_TEST_INT", "ten")
	if got := GetInt("SHIPYARD_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("SHIPYARD_TEST_BOOL", "maybe")
	if GetBool("SHIPYARD_TEST_BOOL", true) != true {
		t.Fatal("expected bool fallback")
	}
}
