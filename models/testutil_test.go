package models_test

import (
	"path/filepath"
	"testing"
	"time"

	"gocurate/models"
)

// testConfig returns a workspace-mode config suitable for unit tests.
func testConfig() *models.Config {
	return &models.Config{
		Mode:         models.ModeWorkspace,
		DataDir:      ".",
		Listen:       ":0",
		SyncInterval: 30 * time.Second,
		SyncBatch:    50,
		MaxRetries:   5,
		CopyChunk:    models.DefaultCopyChunk,
		TextDiffs:    true,
	}
}

// setupTestStore opens a store on a fresh database file.
func setupTestStore(t *testing.T) (*models.Store, func()) {
	t.Helper()

	store, err := models.OpenStore(filepath.Join(t.TempDir(), "test.ddb"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	return store, func() { store.Close() }
}

// setupTestWorkspace opens a workspace on a fresh database file.
func setupTestWorkspace(t *testing.T) (*models.Workspace, func()) {
	t.Helper()

	store, err := models.OpenStore(filepath.Join(t.TempDir(), "test.ddb"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	ws, err := models.NewWorkspace(store, testConfig())
	if err != nil {
		store.Close()
		t.Fatalf("failed to open test workspace: %v", err)
	}
	return ws, func() { ws.Close() }
}
