package models

import (
	"os"
	"strconv"
	"time"

	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Configuration
//
// All deployment configuration is loaded from CURATE_* environment variables
// so the binary itself stays portable. One binary serves three roles:
// a workspace daemon (local store + sync engine), a hub (the curation
// server), or both at once.
// ============================================================================

// Run modes.
const (
	ModeWorkspace = "workspace"
	ModeHub       = "hub"
	ModeBoth      = "both"
)

// Config holds the full runtime configuration for a gocurate process.
type Config struct {
	Mode    string // workspace | hub | both (CURATE_MODE)
	DataDir string // directory for DuckDB files (CURATE_DATA_DIR)
	Listen  string // HTTP listen address (CURATE_LISTEN)

	HubURL      string // base URL of the hub, workspace mode (CURATE_HUB_URL)
	HubUsername string // hub credentials (CURATE_HUB_USERNAME)
	HubPassword string // hub credentials (CURATE_HUB_PASSWORD)

	SyncEnabled  bool          // run the background drain (CURATE_SYNC_ENABLED)
	SyncInterval time.Duration // drain cycle interval (CURATE_SYNC_INTERVAL)
	SyncBatch    int           // max records per submitted batch (CURATE_SYNC_BATCH)
	MaxRetries   int           // auto-requeue budget for transient failures (CURATE_SYNC_MAX_RETRIES)

	CopyChunk int  // copy orchestration chunk size (CURATE_COPY_CHUNK)
	TextDiffs bool // send long text updates as patches (CURATE_TEXT_DIFFS)

	JWTSecret string // hub token signing key (CURATE_JWT_SECRET)
}

// Defaults. The sync interval is short compared to a notes app because
// curation edits arrive in bursts while an editor is working and the drain
// is cheap when the queue is empty.
const (
	defaultListen       = ":8161"
	defaultSyncInterval = 30 * time.Second
	minSyncInterval     = 5 * time.Second
	defaultSyncBatch    = 50
	defaultMaxRetries   = 5
)

// LoadConfig reads configuration from the environment. Returns a usable
// config even when sync is disabled so callers can inspect state without
// nil checks.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Mode:         ModeWorkspace,
		DataDir:      "./data",
		Listen:       defaultListen,
		SyncInterval: defaultSyncInterval,
		SyncBatch:    defaultSyncBatch,
		MaxRetries:   defaultMaxRetries,
		CopyChunk:    DefaultCopyChunk,
		TextDiffs:    true,
	}

	if mode := os.Getenv("CURATE_MODE"); mode != "" {
		cfg.Mode = mode
	}
	if dir := os.Getenv("CURATE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if listen := os.Getenv("CURATE_LISTEN"); listen != "" {
		cfg.Listen = listen
	}

	cfg.HubURL = os.Getenv("CURATE_HUB_URL")
	cfg.HubUsername = os.Getenv("CURATE_HUB_USERNAME")
	cfg.HubPassword = os.Getenv("CURATE_HUB_PASSWORD")

	if enabledStr := os.Getenv("CURATE_SYNC_ENABLED"); enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid CURATE_SYNC_ENABLED value, expected true/false")
		}
		cfg.SyncEnabled = enabled
	}

	if intervalStr := os.Getenv("CURATE_SYNC_INTERVAL"); intervalStr != "" {
		interval, err := time.ParseDuration(intervalStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid CURATE_SYNC_INTERVAL value, expected duration like '30s' or '5m'")
		}
		cfg.SyncInterval = interval
	}

	if batchStr := os.Getenv("CURATE_SYNC_BATCH"); batchStr != "" {
		batch, err := strconv.Atoi(batchStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid CURATE_SYNC_BATCH value, expected integer")
		}
		cfg.SyncBatch = batch
	}

	if retriesStr := os.Getenv("CURATE_SYNC_MAX_RETRIES"); retriesStr != "" {
		retries, err := strconv.Atoi(retriesStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid CURATE_SYNC_MAX_RETRIES value, expected integer")
		}
		cfg.MaxRetries = retries
	}

	if chunkStr := os.Getenv("CURATE_COPY_CHUNK"); chunkStr != "" {
		chunk, err := strconv.Atoi(chunkStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid CURATE_COPY_CHUNK value, expected integer")
		}
		cfg.CopyChunk = chunk
	}

	cfg.JWTSecret = os.Getenv("CURATE_JWT_SECRET")

	if diffsStr := os.Getenv("CURATE_TEXT_DIFFS"); diffsStr != "" {
		diffs, err := strconv.ParseBool(diffsStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid CURATE_TEXT_DIFFS value, expected true/false")
		}
		cfg.TextDiffs = diffs
	}

	return cfg, nil
}

// Validate fails fast on misconfiguration rather than discovering missing
// credentials mid-cycle.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeWorkspace, ModeHub, ModeBoth:
	default:
		return serr.New("CURATE_MODE must be workspace, hub, or both, got: " + c.Mode)
	}

	if c.SyncBatch < 1 {
		return serr.New("CURATE_SYNC_BATCH must be at least 1")
	}
	if c.CopyChunk < 1 {
		return serr.New("CURATE_COPY_CHUNK must be at least 1")
	}

	if c.SyncEnabled {
		if c.HubURL == "" {
			return serr.New("CURATE_HUB_URL is required when sync is enabled")
		}
		if c.HubUsername == "" {
			return serr.New("CURATE_HUB_USERNAME is required when sync is enabled")
		}
		if c.HubPassword == "" {
			return serr.New("CURATE_HUB_PASSWORD is required when sync is enabled")
		}
		if c.SyncInterval < minSyncInterval {
			return serr.New("CURATE_SYNC_INTERVAL must be at least 5s to avoid hammering the hub")
		}
	}

	if c.ServesHub() && len(c.JWTSecret) < MinSecretLength {
		return serr.New("CURATE_JWT_SECRET must be at least 32 characters in hub mode")
	}

	return nil
}

// ServesHub reports whether this process should mount the hub API.
func (c *Config) ServesHub() bool {
	return c.Mode == ModeHub || c.Mode == ModeBoth
}

// ServesWorkspace reports whether this process should open a workspace.
func (c *Config) ServesWorkspace() bool {
	return c.Mode == ModeWorkspace || c.Mode == ModeBoth
}
