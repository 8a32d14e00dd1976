package api_test

import (
	"fmt"
	"net/http"
	"testing"

	"gocurate/models"
)

// TestHealthEndpoint verifies that GET /api/v1/health returns 200 without auth.
func TestHealthEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, cleanup := setupHubServer(t)
	defer cleanup()

	resp, err := http.Get(ts.baseURL + "/api/v1/health")
	if err != nil {
		t.Fatalf("failed to hit health endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

// TestSyncAPI exercises the change submission and feed endpoints over HTTP.
func TestSyncAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, cleanup := setupHubServer(t)
	defer cleanup()
	ts.registerAndLogin(t, "syncuser", "testpassword123")

	t.Run("SubmitRequiresAuth", func(t *testing.T) {
		saved := ts.authToken
		ts.authToken = ""
		status, _ := ts.request("POST", "/api/v1/sync", map[string]interface{}{"changes": []interface{}{}})
		ts.authToken = saved
		if status != http.StatusUnauthorized {
			t.Errorf("expected 401 without a token, got %d", status)
		}
	})

	t.Run("SubmitEmptyBatch", func(t *testing.T) {
		status, resp := ts.request("POST", "/api/v1/sync", map[string]interface{}{"changes": []interface{}{}})
		if status != http.StatusOK {
			t.Errorf("expected 200 for an empty batch, got %d - %v", status, resp)
		}
	})

	t.Run("SubmitCreateBatch", func(t *testing.T) {
		body := map[string]interface{}{
			"changes": []map[string]interface{}{
				{
					"table": models.TableChannel, "key": "ch-http-1",
					"type": models.ChangeCreated, "source": "client-a",
					"obj": map[string]interface{}{"name": "World History"},
				},
				{
					"table": models.TableContentNode, "key": "node-http-1",
					"type": models.ChangeCreated, "source": "client-a",
					"obj": map[string]interface{}{
						"title": "Ancient Rome", "kind": models.KindTopic,
						"parent": "", "sort_order": 1.0,
					},
				},
			},
		}
		status, resp := ts.request("POST", "/api/v1/sync?client=client-a", body)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d - %v", status, resp)
		}

		row, err := ts.hub.Store().GetRow(models.TableChannel, "ch-http-1")
		if err != nil || row == nil {
			t.Fatalf("expected the channel to land on the hub, got row=%v err=%v", row, err)
		}
	})

	t.Run("SubmitPartialFailure", func(t *testing.T) {
		body := map[string]interface{}{
			"changes": []map[string]interface{}{
				{
					"table": models.TableChannel, "key": "ch-http-2",
					"type": models.ChangeCreated, "source": "client-a",
					"obj": map[string]interface{}{"name": "Geography"},
				},
				{
					"table": models.TableChannel, "key": "never-created",
					"type": models.ChangeUpdated, "source": "client-a",
					"mods": map[string]interface{}{"name": "x"},
				},
			},
		}
		status, resp := ts.request("POST", "/api/v1/sync?client=client-a", body)
		if status != http.StatusMultiStatus {
			t.Fatalf("expected 207, got %d - %v", status, resp)
		}

		data := dataOf(t, resp)
		errs, _ := data["errors"].([]interface{})
		if len(errs) != 1 {
			t.Fatalf("expected 1 failed change echoed back, got %v", data["errors"])
		}
	})

	t.Run("ChangesFeed", func(t *testing.T) {
		status, resp := ts.request("GET", "/api/v1/changes?since=0&client=client-b", nil)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d - %v", status, resp)
		}
		data := dataOf(t, resp)
		changes, _ := data["changes"].([]interface{})
		if len(changes) == 0 {
			t.Fatal("expected the feed to carry the applied changes")
		}

		// The submitting client sees nothing of its own
		status, resp = ts.request("GET", "/api/v1/changes?since=0&client=client-a", nil)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		data = dataOf(t, resp)
		if changes, _ := data["changes"].([]interface{}); len(changes) != 0 {
			t.Errorf("expected no self-originated changes, got %d", len(changes))
		}
	})

	t.Run("ChangesFeedPagination", func(t *testing.T) {
		status, resp := ts.request("GET", "/api/v1/changes?since=0&limit=1&client=client-b", nil)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		data := dataOf(t, resp)
		changes, _ := data["changes"].([]interface{})
		if len(changes) != 1 || data["has_more"] != true {
			t.Errorf("expected one change with has_more, got %d has_more=%v", len(changes), data["has_more"])
		}
	})

	t.Run("ChangesBadCursor", func(t *testing.T) {
		status, _ := ts.request("GET", "/api/v1/changes?since=minus-one", nil)
		if status != http.StatusBadRequest {
			t.Errorf("expected 400 for a malformed cursor, got %d", status)
		}
	})

	t.Run("FeedRequiresAuth", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/api/v1/changes?since=0", ts.baseURL))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 without a token, got %d", resp.StatusCode)
		}
	})
}
