package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDefault_Values(t *testing.T) {
	cfg := Default()

	if cfg.MessageQueue.ExpirationTimeoutMinutes != 60 {
		t.Errorf("Expected expiration 60 minutes, got %d", cfg.MessageQueue.ExpirationTimeoutMinutes)
	}
	if cfg.Auth.ConnectionTokenTTLSeconds != 3600 {
		t.Errorf("Expected token ttl 3600s, got %d", cfg.Auth.ConnectionTokenTTLSeconds)
	}
	if cfg.Auth.RateLimitWindowSeconds != 900 {
		t.Errorf("Expected rate window 900s, got %d", cfg.Auth.RateLimitWindowSeconds)
	}
	if cfg.Processor.StuckInProgressSeconds != 30 {
		t.Errorf("Expected stuck threshold 30s, got %d", cfg.Processor.StuckInProgressSeconds)
	}
	if cfg.Processor.HostBatchSize != 10 {
		t.Errorf("Expected host batch 10, got %d", cfg.Processor.HostBatchSize)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sysmanage.yaml")
	body := `
server:
  listen: ":9443"
database:
  driver: postgres
  dsn: "postgres://sysmanage@localhost/fleet?sslmode=disable"
auth:
  token_secret: "` + testSecret + `"
  connection_token_ttl_seconds: 120
message_queue:
  expiration_timeout_minutes: 15
processor:
  host_batch_size: 3
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != ":9443" {
		t.Errorf("Expected listen :9443, got '%s'", cfg.Server.Listen)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Expected postgres driver, got '%s'", cfg.Database.Driver)
	}
	if cfg.Auth.ConnectionTokenTTLSeconds != 120 {
		t.Errorf("Expected token ttl 120, got %d", cfg.Auth.ConnectionTokenTTLSeconds)
	}
	if cfg.MessageQueue.ExpirationTimeoutMinutes != 15 {
		t.Errorf("Expected expiration 15, got %d", cfg.MessageQueue.ExpirationTimeoutMinutes)
	}
	if cfg.Processor.HostBatchSize != 3 {
		t.Errorf("Expected batch 3, got %d", cfg.Processor.HostBatchSize)
	}
	// Untouched keys keep their defaults.
	if cfg.Processor.StuckInProgressSeconds != 30 {
		t.Errorf("Expected default stuck threshold, got %d", cfg.Processor.StuckInProgressSeconds)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sysmanage.yaml")
	body := "auth:\n  token_secret: \"" + testSecret + "\"\nserver:\n  listen: \":8000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SYSMANAGE_LISTEN", ":7070")
	t.Setenv("SYSMANAGE_HOST_BATCH", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != ":7070" {
		t.Errorf("Expected env override :7070, got '%s'", cfg.Server.Listen)
	}
	if cfg.Processor.HostBatchSize != 25 {
		t.Errorf("Expected env override 25, got %d", cfg.Processor.HostBatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	cfg.Processor.HostBatchSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"token_secret", "database.driver", "host_batch_size"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected validation message to mention %s, got: %s", want, msg)
		}
	}
}

func TestValidate_ShortSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "32 characters") {
		t.Errorf("Expected short-secret error, got %v", err)
	}
}

func TestValidate_EncryptionKey(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenSecret = testSecret

	cfg.ConfigPush.EncryptionKey = "zz"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for bad encryption key")
	}

	cfg.ConfigPush.EncryptionKey = strings.Repeat("ab", 32)
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected 64-hex key to validate, got %v", err)
	}
	if len(cfg.EncryptionKey()) != 32 {
		t.Errorf("Expected 32-byte decoded key, got %d", len(cfg.EncryptionKey()))
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if cfg.ExpirationTimeout() != 60*time.Minute {
		t.Errorf("Expected 60m expiration, got %v", cfg.ExpirationTimeout())
	}
	if cfg.StuckThreshold() != 30*time.Second {
		t.Errorf("Expected 30s stuck threshold, got %v", cfg.StuckThreshold())
	}
	if cfg.RateLimitWindow() != 15*time.Minute {
		t.Errorf("Expected 15m rate window, got %v", cfg.RateLimitWindow())
	}
	if cfg.ConnectionTokenTTL() != time.Hour {
		t.Errorf("Expected 1h token ttl, got %v", cfg.ConnectionTokenTTL())
	}
}
