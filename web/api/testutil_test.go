package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rohanthewiz/rweb"

	"gocurate/models"
	"gocurate/web"
)

const testJWTSecret = "test-secret-key-for-jwt-testing-32chars"

// testServer manages a running server instance for integration tests.
// This approach tests the full HTTP stack including middleware.
type testServer struct {
	baseURL   string
	client    *http.Client
	server    *rweb.Server
	hub       *models.Hub
	authToken string // JWT token for authenticated requests
}

// hubTestConfig returns a hub-mode config backed by a fresh directory.
func hubTestConfig(t *testing.T) *models.Config {
	t.Helper()
	return &models.Config{
		Mode:      models.ModeHub,
		DataDir:   t.TempDir(),
		Listen:    "localhost:",
		SyncBatch: 50,
		CopyChunk: models.DefaultCopyChunk,
		JWTSecret: testJWTSecret,
	}
}

// startServer runs a server on a dynamic port and waits for it to be ready.
func startServer(t *testing.T, deps web.Deps) (*rweb.Server, string) {
	t.Helper()

	readyChan := make(chan struct{}, 1)
	srv := web.NewServer(deps, rweb.ServerOptions{
		Verbose:   true,
		ReadyChan: readyChan,
		Address:   "localhost:", // Dynamic port
	})

	go func() {
		_ = srv.Run()
	}()
	<-readyChan

	return srv, fmt.Sprintf("http://localhost:%s", srv.GetListenPort())
}

// setupHubServer starts a hub-only server on a fresh database.
func setupHubServer(t *testing.T) (*testServer, func()) {
	t.Helper()

	cfg := hubTestConfig(t)
	if err := models.InitJWT(cfg.JWTSecret); err != nil {
		t.Fatalf("failed to initialize JWT: %v", err)
	}

	hub, err := models.OpenHub(cfg)
	if err != nil {
		t.Fatalf("failed to open hub: %v", err)
	}

	srv, baseURL := startServer(t, web.Deps{Cfg: cfg, Hub: hub})

	ts := &testServer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		server:  srv,
		hub:     hub,
	}
	return ts, func() { hub.Close() }
}

// registerAndLogin registers a user and stores the auth token.
func (ts *testServer) registerAndLogin(t *testing.T, username, password string) {
	t.Helper()

	input := map[string]string{"username": username, "password": password}
	body, _ := json.Marshal(input)
	resp, err := http.Post(ts.baseURL+"/api/v1/auth/register", "application/json", bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("failed to register user: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("failed to register user, status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	data := result["data"].(map[string]interface{})
	ts.authToken = data["token"].(string)
}

// request makes an HTTP request with the auth token and returns the
// status code and parsed JSON response.
func (ts *testServer) request(method, path string, body interface{}) (int, map[string]interface{}) {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, ts.baseURL+path, reqBody)
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if ts.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+ts.authToken)
	}

	resp, err := ts.client.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	return resp.StatusCode, result
}

// setupWorkspaceWithEngine builds a workspace whose sync engine points
// at the given hub URL, plus a server exposing the queue endpoints.
func setupWorkspaceWithEngine(t *testing.T, hubURL, username, password string) (*models.Workspace, *models.SyncEngine, *testServer, func()) {
	t.Helper()

	cfg := &models.Config{
		Mode:         models.ModeWorkspace,
		DataDir:      t.TempDir(),
		Listen:       "localhost:",
		HubURL:       hubURL,
		HubUsername:  username,
		HubPassword:  password,
		SyncEnabled:  true,
		SyncInterval: 30 * time.Second,
		SyncBatch:    50,
		MaxRetries:   5,
		CopyChunk:    models.DefaultCopyChunk,
		TextDiffs:    true,
	}

	store, err := models.OpenStore(filepath.Join(cfg.DataDir, "workspace.ddb"))
	if err != nil {
		t.Fatalf("failed to open workspace store: %v", err)
	}
	ws, err := models.NewWorkspace(store, cfg)
	if err != nil {
		store.Close()
		t.Fatalf("failed to open workspace: %v", err)
	}

	engine, err := models.NewSyncEngine(ws, models.NewHubClient(cfg), cfg)
	if err != nil {
		ws.Close()
		t.Fatalf("failed to build sync engine: %v", err)
	}

	srv, baseURL := startServer(t, web.Deps{Cfg: cfg, Workspace: ws, Engine: engine})
	ts := &testServer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		server:  srv,
	}
	return ws, engine, ts, func() { ws.Close() }
}

// dataOf extracts the data envelope from an API response.
func dataOf(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a data map, got %v", resp)
	}
	return data
}

// containsError reports whether the response error mentions the fragment.
func containsError(resp map[string]interface{}, fragment string) bool {
	msg, _ := resp["error"].(string)
	return strings.Contains(msg, fragment)
}
