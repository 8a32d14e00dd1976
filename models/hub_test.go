package models_test

import (
	"net/http"
	"testing"

	"gocurate/models"
)

func setupTestHub(t *testing.T) (*models.Hub, func()) {
	t.Helper()

	store, cleanup := setupTestStore(t)
	return models.NewHub(store), cleanup
}

func TestHubApplySortsContainersFirst(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	// Submitted out of order: the node arrives before its channel and
	// the file before the node. Apply order puts channel, node, file.
	batch := []models.WireChange{
		{Table: models.TableFile, Key: "f1", Type: models.ChangeCreated,
			Obj: map[string]any{"contentnode": "n1"}},
		{Table: models.TableContentNode, Key: "n1", Type: models.ChangeCreated,
			Obj: map[string]any{"title": "Intro", "kind": models.KindTopic, "parent": "", "sort_order": float64(1)}},
		{Table: models.TableChannel, Key: "ch1", Type: models.ChangeCreated,
			Obj: map[string]any{"name": "Physics"}},
	}

	resp, status := hub.Apply(batch, "client-1")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d with errors %v", status, resp.Errors)
	}

	for _, probe := range []struct{ table, key string }{
		{models.TableChannel, "ch1"},
		{models.TableContentNode, "n1"},
		{models.TableFile, "f1"},
	} {
		row, err := hub.Store().GetRow(probe.table, probe.key)
		if err != nil {
			t.Fatalf("failed to read %s/%s: %v", probe.table, probe.key, err)
		}
		if row == nil {
			t.Errorf("expected %s/%s to exist", probe.table, probe.key)
		}
	}
}

func TestHubApplyCreateIsUpsert(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	change := models.WireChange{Table: models.TableChannel, Key: "ch1",
		Type: models.ChangeCreated, Obj: map[string]any{"name": "Physics"}}

	if _, status := hub.Apply([]models.WireChange{change}, "client-1"); status != http.StatusOK {
		t.Fatalf("first apply returned %d", status)
	}
	// A resend of the same pre-assigned key must not fail or duplicate
	if _, status := hub.Apply([]models.WireChange{change}, "client-1"); status != http.StatusOK {
		t.Fatalf("resend returned %d", status)
	}

	n, err := hub.Store().CountRows(models.TableChannel)
	if err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 channel after resend, got %d", n)
	}
}

func TestHubApplyPartialFailure(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	batch := []models.WireChange{
		{Table: models.TableChannel, Key: "ch1", Type: models.ChangeCreated,
			Obj: map[string]any{"name": "Physics"}},
		{Table: models.TableChannel, Key: "missing", Type: models.ChangeUpdated,
			Mods: map[string]any{"name": "x"}},
	}

	resp, status := hub.Apply(batch, "client-1")
	if status != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d", status)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("expected 1 failed change, got %d", len(resp.Errors))
	}
	if resp.Errors[0].Key != "missing" {
		t.Errorf("expected the update to fail, got %+v", resp.Errors[0])
	}
	if len(resp.Errors[0].Errors) == 0 {
		t.Error("expected the failed change to carry its error")
	}
}

func TestHubApplyAllFailed(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	batch := []models.WireChange{
		{Table: "bogus", Key: "x", Type: models.ChangeCreated, Obj: map[string]any{}},
	}
	_, status := hub.Apply(batch, "client-1")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestHubDeleteIdempotent(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	batch := []models.WireChange{
		{Table: models.TableChannel, Key: "never-existed", Type: models.ChangeDeleted},
	}
	resp, status := hub.Apply(batch, "client-1")
	if status != http.StatusOK {
		t.Fatalf("expected idempotent delete to succeed, got %d with %v", status, resp.Errors)
	}
}

func TestHubMoveAgainstOwnSiblings(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	setup := []models.WireChange{
		{Table: models.TableContentNode, Key: "t1", Type: models.ChangeCreated,
			Obj: map[string]any{"title": "T", "kind": models.KindTopic, "parent": "", "sort_order": float64(1)}},
		{Table: models.TableContentNode, Key: "a", Type: models.ChangeCreated,
			Obj: map[string]any{"title": "a", "kind": models.KindVideo, "parent": "t1", "sort_order": float64(1)}},
		{Table: models.TableContentNode, Key: "b", Type: models.ChangeCreated,
			Obj: map[string]any{"title": "b", "kind": models.KindVideo, "parent": "t1", "sort_order": float64(2)}},
	}
	if _, status := hub.Apply(setup, "client-1"); status != http.StatusOK {
		t.Fatalf("setup apply failed: %d", status)
	}

	// Symbolic move: b before a, resolved against the hub's sibling set
	move := []models.WireChange{
		{Table: models.TableContentNode, Key: "b", Type: models.ChangeMoved,
			Mods: map[string]any{"target": "a", "position": models.PositionLeft}},
	}
	if resp, status := hub.Apply(move, "client-1"); status != http.StatusOK {
		t.Fatalf("move failed: %d %v", status, resp.Errors)
	}

	children, err := hub.Store().ChildRows(models.TableContentNode, "t1")
	if err != nil {
		t.Fatalf("failed to list children: %v", err)
	}
	if len(children) != 2 || children[0].RowKey != "b" || children[1].RowKey != "a" {
		keys := []string{}
		for i := range children {
			keys = append(keys, children[i].RowKey)
		}
		t.Errorf("expected order b, a after move, got %v", keys)
	}
}

func TestHubMoveOnPlainTableRejected(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	batch := []models.WireChange{
		{Table: models.TableChannel, Key: "ch1", Type: models.ChangeMoved,
			Mods: map[string]any{"target": "x", "position": models.PositionLastChild}},
	}
	_, status := hub.Apply(batch, "client-1")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for move on a plain table, got %d", status)
	}
}

func TestHubCopyMissingSourceReturnsCompensatingDelete(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	batch := []models.WireChange{
		{Table: models.TableContentNode, Key: "copy-1", Type: models.ChangeCopied,
			FromKey: "vanished",
			Mods:    map[string]any{"target": "", "position": models.PositionLastChild}},
	}
	resp, status := hub.Apply(batch, "client-1")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if len(resp.Changes) != 1 {
		t.Fatalf("expected 1 compensating followup, got %d", len(resp.Changes))
	}
	followup := resp.Changes[0]
	if followup.Type != models.ChangeDeleted || followup.Key != "copy-1" {
		t.Errorf("expected DELETED followup for copy-1, got %+v", followup)
	}
	if len(resp.Errors) != 1 {
		t.Errorf("expected the copy itself to be reported failed")
	}
}

func TestHubCopyDuplicateKeyIsNoOp(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	setup := []models.WireChange{
		{Table: models.TableContentNode, Key: "src", Type: models.ChangeCreated,
			Obj: map[string]any{"title": "src", "kind": models.KindVideo, "parent": "", "sort_order": float64(1)}},
	}
	if _, status := hub.Apply(setup, "client-1"); status != http.StatusOK {
		t.Fatalf("setup failed")
	}

	cp := []models.WireChange{
		{Table: models.TableContentNode, Key: "cp1", Type: models.ChangeCopied, FromKey: "src",
			Obj:  map[string]any{"title": "src", "kind": models.KindVideo, "parent": "", "sort_order": float64(2)},
			Mods: map[string]any{"target": "", "position": models.PositionLastChild}},
	}
	if resp, status := hub.Apply(cp, "client-1"); status != http.StatusOK {
		t.Fatalf("copy failed: %d %v", status, resp.Errors)
	}
	if resp, status := hub.Apply(cp, "client-1"); status != http.StatusOK {
		t.Fatalf("copy resend failed: %d %v", status, resp.Errors)
	}

	n, err := hub.Store().CountRows(models.TableContentNode)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected src and one copy, got %d rows", n)
	}
}

func TestHubChangesSinceFeed(t *testing.T) {
	hub, cleanup := setupTestHub(t)
	defer cleanup()

	for _, key := range []string{"ch1", "ch2", "ch3"} {
		batch := []models.WireChange{{Table: models.TableChannel, Key: key,
			Type: models.ChangeCreated, Source: "client-1",
			Obj: map[string]any{"name": key}}}
		if _, status := hub.Apply(batch, "client-1"); status != http.StatusOK {
			t.Fatalf("apply %s failed", key)
		}
	}
	other := []models.WireChange{{Table: models.TableChannel, Key: "ch4",
		Type: models.ChangeCreated, Source: "client-2",
		Obj: map[string]any{"name": "ch4"}}}
	if _, status := hub.Apply(other, "client-2"); status != http.StatusOK {
		t.Fatal("apply ch4 failed")
	}

	// client-2 pulls everything except its own submission
	resp, err := hub.ChangesSince(0, 10, "client-2")
	if err != nil {
		t.Fatalf("failed to read feed: %v", err)
	}
	if len(resp.Changes) != 3 {
		t.Fatalf("expected 3 foreign changes, got %d", len(resp.Changes))
	}
	for _, ch := range resp.Changes {
		if ch.Source != "client-1" {
			t.Errorf("expected only client-1 changes, got source %s", ch.Source)
		}
	}

	// Pagination: limit 2 leaves more behind the cursor
	resp, err = hub.ChangesSince(0, 2, "client-2")
	if err != nil {
		t.Fatalf("failed to read paged feed: %v", err)
	}
	if len(resp.Changes) != 2 || !resp.HasMore {
		t.Errorf("expected 2 changes with has_more, got %d has_more=%v", len(resp.Changes), resp.HasMore)
	}

	// Cursor is exclusive
	last := resp.Changes[1].Seq
	resp, err = hub.ChangesSince(last, 10, "client-2")
	if err != nil {
		t.Fatalf("failed to read feed after cursor: %v", err)
	}
	if len(resp.Changes) != 1 || resp.HasMore {
		t.Errorf("expected 1 remaining change, got %d has_more=%v", len(resp.Changes), resp.HasMore)
	}
}
