package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.General.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.General.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_InvalidMemoryConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Memory.MaxHistoryPerConversation = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxHistoryPerConversation=0")
	}

	cfg = Defaults()
	cfg.Memory.RetentionDays = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for retentionDays=0")
	}
}

func TestValidate_InvalidTasksConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Tasks.TimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for tasks timeout=0")
	}

	cfg = Defaults()
	cfg.Tasks.MaxConcurrent = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrent=0")
	}

	cfg = Defaults()
	cfg.Tasks.DedupTTLSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for dedupTtlSeconds=0")
	}
}

// --- Env expansion ---

func TestExpandEnvVars_Set(t *testing.T) {
	t.Setenv("TOURBOT_TEST_TOKEN", "secret-123")
	out := ExpandEnvVars(`{"token": "${TOURBOT_TEST_TOKEN}"}`)
	if !strings.Contains(out, "secret-123") {
		t.Errorf("expected expansion, got %s", out)
	}
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("TOURBOT_TEST_MISSING")
	out := ExpandEnvVars(`${TOURBOT_TEST_MISSING:-fallback}`)
	if out != "fallback" {
		t.Errorf("expected fallback, got %s", out)
	}
}

func TestExpandEnvVars_NoDefault_Unset(t *testing.T) {
	os.Unsetenv("TOURBOT_TEST_MISSING")
	out := ExpandEnvVars(`${TOURBOT_TEST_MISSING}`)
	if out != "${TOURBOT_TEST_MISSING}" {
		t.Errorf("expected placeholder kept, got %s", out)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.General.DefaultSite = "test-site"
	original.Backend.BaseURL = "http://localhost:9999"
	original.Backend.APIKey = "key-1234"
	original.WhatsApp.VerifyToken = "verify"
	original.WhatsApp.AccessToken = "access"
	original.WhatsApp.PhoneNumberID = "12345"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.General.DefaultSite != "test-site" {
		t.Errorf("defaultSite lost: %q", loaded.General.DefaultSite)
	}
	if loaded.Backend.BaseURL != "http://localhost:9999" {
		t.Errorf("baseUrl lost: %q", loaded.Backend.BaseURL)
	}
}

func TestLoad_ScrubsUnresolvedPlaceholders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	os.Unsetenv("TOURBOT_NO_SUCH_TOKEN")
	cfg := Defaults()
	cfg.WhatsApp.AccessToken = "${TOURBOT_NO_SUCH_TOKEN}"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.WhatsApp.AccessToken != "" {
		t.Errorf("expected scrubbed token, got %q", loaded.WhatsApp.AccessToken)
	}
	if err := RequireCredentials(loaded); err == nil {
		t.Error("expected missing-credentials error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "backend.timeoutSeconds")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := val.(float64); !ok || v != 60 {
		t.Errorf("expected 60, got %v", val)
	}
}

func TestGetByPath_NotFound(t *testing.T) {
	cfg := Defaults()
	if _, err := GetByPath(cfg, "backend.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetByPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "tasks.maxConcurrent", "8"); err != nil {
		t.Fatal(err)
	}
	if cfg.Tasks.MaxConcurrent != 8 {
		t.Errorf("expected 8, got %d", cfg.Tasks.MaxConcurrent)
	}

	if err := SetByPath(cfg, "metrics.enabled", "false"); err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.Enabled {
		t.Error("expected metrics disabled")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.WhatsApp.AccessToken = "EAAGlongtokenvalue1234"
	cfg.Backend.APIKey = "backend-api-key-5678"
	cfg.WhatsApp.AppSecret = "topsecret"

	clean := Sanitize(cfg)
	if strings.Contains(clean.WhatsApp.AccessToken, "longtokenvalue") {
		t.Error("access token not masked")
	}
	if strings.Contains(clean.Backend.APIKey, "api-key") {
		t.Error("api key not masked")
	}
	if clean.WhatsApp.AppSecret != "***" {
		t.Error("app secret not masked")
	}

	// Original must be untouched.
	if cfg.WhatsApp.AccessToken != "EAAGlongtokenvalue1234" {
		t.Error("sanitize mutated original config")
	}
}
