package models_test

import (
	"strings"
	"testing"
	"time"

	"gocurate/models"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"CURATE_MODE", "CURATE_DATA_DIR", "CURATE_LISTEN", "CURATE_HUB_URL",
		"CURATE_SYNC_ENABLED", "CURATE_SYNC_INTERVAL", "CURATE_SYNC_BATCH",
		"CURATE_SYNC_MAX_RETRIES", "CURATE_COPY_CHUNK", "CURATE_TEXT_DIFFS",
		"CURATE_JWT_SECRET",
	} {
		t.Setenv(key, "")
	}

	cfg, err := models.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Mode != models.ModeWorkspace {
		t.Errorf("expected workspace mode by default, got %s", cfg.Mode)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("unexpected default sync interval %v", cfg.SyncInterval)
	}
	if cfg.SyncBatch != 50 || cfg.MaxRetries != 5 {
		t.Errorf("unexpected default batch/retries: %d/%d", cfg.SyncBatch, cfg.MaxRetries)
	}
	if !cfg.TextDiffs {
		t.Error("expected text diffs on by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("CURATE_SYNC_ENABLED", "perhaps")
	if _, err := models.LoadConfig(); err == nil {
		t.Error("expected an error for a non-boolean CURATE_SYNC_ENABLED")
	}
	t.Setenv("CURATE_SYNC_ENABLED", "")

	t.Setenv("CURATE_SYNC_INTERVAL", "soon")
	if _, err := models.LoadConfig(); err == nil {
		t.Error("expected an error for a malformed CURATE_SYNC_INTERVAL")
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *models.Config {
		cfg := testConfig()
		return cfg
	}

	cfg := base()
	cfg.Mode = "peer"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "CURATE_MODE") {
		t.Errorf("expected a mode error, got %v", err)
	}

	cfg = base()
	cfg.SyncBatch = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected a batch size error")
	}

	// Enabled sync requires hub coordinates
	cfg = base()
	cfg.SyncEnabled = true
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "CURATE_HUB_URL") {
		t.Errorf("expected a hub URL error, got %v", err)
	}
	cfg.HubURL = "http://hub.example:8161"
	cfg.HubUsername = "curator"
	cfg.HubPassword = "password123"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid sync config, got %v", err)
	}
	cfg.SyncInterval = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected a too-short interval to be rejected")
	}

	// Hub mode demands a real signing key
	cfg = base()
	cfg.Mode = models.ModeHub
	cfg.JWTSecret = "short"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "CURATE_JWT_SECRET") {
		t.Errorf("expected a JWT secret error, got %v", err)
	}
	cfg.JWTSecret = strings.Repeat("k", 32)
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected hub config to validate, got %v", err)
	}
}

func TestServesRoles(t *testing.T) {
	cfg := &models.Config{Mode: models.ModeBoth}
	if !cfg.ServesHub() || !cfg.ServesWorkspace() {
		t.Error("both mode must serve hub and workspace")
	}
	cfg.Mode = models.ModeWorkspace
	if cfg.ServesHub() || !cfg.ServesWorkspace() {
		t.Error("workspace mode must not serve the hub")
	}
}
