package models_test

import (
	"context"
	"testing"

	"gocurate/models"
)

// buildTree creates a small tree and returns the keys:
// root topic with three leaves a, b, c in order.
func buildTree(t *testing.T, ws *models.Workspace) (session *models.Session, topic string, leaves []string) {
	t.Helper()
	ctx := context.Background()

	session, err := ws.Begin()
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}

	topic, err = session.CreateNode(ctx, models.RootKey, models.KindTopic, map[string]any{"title": "Algebra"})
	if err != nil {
		t.Fatalf("failed to create topic: %v", err)
	}

	for _, title := range []string{"a", "b", "c"} {
		key, err := session.CreateNode(ctx, topic, models.KindVideo, map[string]any{"title": title})
		if err != nil {
			t.Fatalf("failed to create leaf %s: %v", title, err)
		}
		leaves = append(leaves, key)
	}
	return session, topic, leaves
}

func childTitles(t *testing.T, ws *models.Workspace, parent string) []string {
	t.Helper()
	children, err := ws.Children(parent)
	if err != nil {
		t.Fatalf("failed to list children: %v", err)
	}
	titles := make([]string, 0, len(children))
	for i := range children {
		title, _ := children[i].Doc["title"].(string)
		titles = append(titles, title)
	}
	return titles
}

func TestCreateNodePlacesInOrder(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()

	_, topic, _ := buildTree(t, ws)

	titles := childTitles(t, ws, topic)
	if len(titles) != 3 || titles[0] != "a" || titles[1] != "b" || titles[2] != "c" {
		t.Errorf("expected children a, b, c in order, got %v", titles)
	}
}

func TestCreateNodeRejectsNonTopicParent(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()

	session, _, leaves := buildTree(t, ws)
	_, err := session.CreateNode(context.Background(), leaves[0], models.KindVideo, nil)
	if err == nil {
		t.Fatal("expected error creating under a non-topic parent")
	}
}

func TestMoveNodePositions(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()
	ctx := context.Background()

	session, topic, leaves := buildTree(t, ws)

	// c left of a: c, a, b
	if err := session.MoveNode(ctx, leaves[2], leaves[0], models.PositionLeft); err != nil {
		t.Fatalf("failed to move: %v", err)
	}
	titles := childTitles(t, ws, topic)
	if titles[0] != "c" || titles[1] != "a" || titles[2] != "b" {
		t.Errorf("expected c, a, b after move, got %v", titles)
	}

	// a as first child: a, c, b
	if err := session.MoveNode(ctx, leaves[0], topic, models.PositionFirstChild); err != nil {
		t.Fatalf("failed to move: %v", err)
	}
	titles = childTitles(t, ws, topic)
	if titles[0] != "a" || titles[1] != "c" || titles[2] != "b" {
		t.Errorf("expected a, c, b after move, got %v", titles)
	}
}

func TestMoveNodeRecordKeepsResolvedPlacement(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()
	ctx := context.Background()

	session, topic, leaves := buildTree(t, ws)
	if err := session.MoveNode(ctx, leaves[2], leaves[0], models.PositionLeft); err != nil {
		t.Fatalf("failed to move: %v", err)
	}

	recent, err := ws.Log().RecentChanges(1)
	if err != nil {
		t.Fatalf("failed to read recent changes: %v", err)
	}
	rec := recent[0]
	if rec.ChangeType != models.ChangeMoved {
		t.Fatalf("expected MOVED record, got %s", models.ChangeTypeName(rec.ChangeType))
	}
	if rec.Payload.Mods["target"] != leaves[0] || rec.Payload.Mods["position"] != models.PositionLeft {
		t.Errorf("expected symbolic target in mods, got %v", rec.Payload.Mods)
	}
	if rec.Payload.Mods["parent"] != topic {
		t.Errorf("expected resolved parent in mods, got %v", rec.Payload.Mods["parent"])
	}
	if _, ok := rec.Payload.Mods["sort_order"]; !ok {
		t.Error("expected resolved sort_order in mods")
	}
	if _, ok := rec.Payload.OldObj["sort_order"]; !ok {
		t.Error("expected prior sort_order in pre-image")
	}
}

func TestMoveNodeIntoOwnSubtreeRejected(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()
	ctx := context.Background()

	session, err := ws.Begin()
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}
	outer, err := session.CreateNode(ctx, models.RootKey, models.KindTopic, map[string]any{"title": "outer"})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	inner, err := session.CreateNode(ctx, outer, models.KindTopic, map[string]any{"title": "inner"})
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	if err := session.MoveNode(ctx, outer, inner, models.PositionLastChild); err == nil {
		t.Fatal("expected error moving a node into its own subtree")
	}
	if err := session.MoveNode(ctx, outer, outer, models.PositionFirstChild); err == nil {
		t.Fatal("expected error moving a node into itself")
	}
}

func TestDeleteNodeRemovesSubtree(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()
	ctx := context.Background()

	session, topic, leaves := buildTree(t, ws)
	if err := session.DeleteNode(ctx, topic); err != nil {
		t.Fatalf("failed to delete subtree: %v", err)
	}

	for _, key := range append([]string{topic}, leaves...) {
		row, err := ws.GetNode(key)
		if err != nil {
			t.Fatalf("failed to read node: %v", err)
		}
		if row != nil {
			t.Errorf("expected node %s removed", key)
		}
	}

	// Revert restores the whole subtree
	if err := session.Revert(ctx); err != nil {
		// The session also created the tree, so reverting removes it
		// again; a clean revert is expected here because delete inverses
		// and create inverses cancel pairwise.
		t.Fatalf("expected clean revert, got %v", err)
	}
}

func TestCopyNodeShallow(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()
	ctx := context.Background()

	session, topic, leaves := buildTree(t, ws)

	copyKey, err := session.CopyNode(ctx, leaves[0], topic, models.PositionLastChild, false)
	if err != nil {
		t.Fatalf("failed to copy: %v", err)
	}
	if copyKey == leaves[0] {
		t.Fatal("expected a fresh key for the copy")
	}

	row, err := ws.GetNode(copyKey)
	if err != nil {
		t.Fatalf("failed to read copy: %v", err)
	}
	if row == nil {
		t.Fatal("expected copy to exist")
	}
	if row.Doc["title"] != "a" {
		t.Errorf("expected copied title, got %v", row.Doc["title"])
	}

	titles := childTitles(t, ws, topic)
	if len(titles) != 4 || titles[3] != "a" {
		t.Errorf("expected copy as last child, got %v", titles)
	}

	recent, err := ws.Log().RecentChanges(1)
	if err != nil {
		t.Fatalf("failed to read recent changes: %v", err)
	}
	rec := recent[0]
	if rec.ChangeType != models.ChangeCopied {
		t.Fatalf("expected COPIED record, got %s", models.ChangeTypeName(rec.ChangeType))
	}
	if rec.Payload.FromKey != leaves[0] {
		t.Errorf("expected from_key %s, got %s", leaves[0], rec.Payload.FromKey)
	}
}

func TestCopyNodeDeepRemapsParents(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()
	ctx := context.Background()

	session, topic, leaves := buildTree(t, ws)

	copyKey, err := session.CopyNode(ctx, topic, models.RootKey, models.PositionLastChild, true)
	if err != nil {
		t.Fatalf("failed to deep copy: %v", err)
	}

	copied, err := ws.Children(copyKey)
	if err != nil {
		t.Fatalf("failed to list copied children: %v", err)
	}
	if len(copied) != len(leaves) {
		t.Fatalf("expected %d copied children, got %d", len(leaves), len(copied))
	}
	for i := range copied {
		if copied[i].RowKey == leaves[i] {
			t.Errorf("expected fresh key for copied child %d", i)
		}
		if copied[i].Parent.String != copyKey {
			t.Errorf("expected copied child parented to the copy, got %s", copied[i].Parent.String)
		}
	}

	// Originals untouched
	orig := childTitles(t, ws, topic)
	if len(orig) != 3 {
		t.Errorf("expected original children intact, got %v", orig)
	}
}

func TestCopyNodeMissingSource(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()

	session, topic, _ := buildTree(t, ws)
	_, err := session.CopyNode(context.Background(), "absent", topic, models.PositionLastChild, false)
	if err == nil {
		t.Fatal("expected error copying a missing source")
	}
}

func TestCopyNodesCancelledBetweenChunks(t *testing.T) {
	ws, cleanup := setupTestWorkspace(t)
	defer cleanup()

	session, topic, leaves := buildTree(t, ws)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := session.CopyNodes(ctx, leaves, topic, models.PositionLastChild, false); err == nil {
		t.Fatal("expected cancellation error")
	}
}
