package models

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Tree operations
//
// Content nodes form trees via the parent and sort_order columns. Insert
// positions are resolved to a concrete (parent, sort_order) at mutation
// time and stored in the change payload, so replaying the log never
// depends on the sibling set as it happens to look later. The wire still
// carries the symbolic target/position pair for the hub to place the
// node against its own sibling set.
// ============================================================================

// DefaultCopyChunk bounds how many top-level copies run per chunk. Deep
// copies run one at a time so a subtree's records land strictly
// parent-before-child.
const DefaultCopyChunk = 10

// RootKey is the parent of top-level nodes.
const RootKey = ""

// placement is a resolved insert window: new nodes go under Parent with
// sort orders spaced evenly inside (lo, hi).
type placement struct {
	Parent string
	lo, hi float64
}

// sortAt spaces n inserts evenly inside the window and returns the
// sort_order of the i-th.
func (p placement) sortAt(i, n int) float64 {
	return p.lo + (p.hi-p.lo)*float64(i+1)/float64(n+1)
}

// resolvePlacement computes the insert window for n nodes going in at
// position relative to target. For first-child/last-child the target is
// the new parent; for left/right it is the new sibling.
func (ws *Workspace) resolvePlacement(target, position string, n int) (placement, error) {
	return resolvePlacement(ws.store, target, position, n)
}

// resolvePlacement works against any store so the hub resolves symbolic
// positions against its own sibling sets with the same arithmetic.
func resolvePlacement(s *Store, target, position string, n int) (placement, error) {
	if !ValidPosition(position) {
		return placement{}, serr.New("invalid position: " + position)
	}
	pad := float64(n + 1)

	switch position {
	case PositionFirstChild, PositionLastChild:
		siblings, err := s.ChildRows(TableContentNode, target)
		if err != nil {
			return placement{}, err
		}
		if len(siblings) == 0 {
			return placement{Parent: target, lo: 0, hi: pad}, nil
		}
		if position == PositionFirstChild {
			first := siblings[0].SortOrder.Float64
			return placement{Parent: target, lo: first - pad, hi: first}, nil
		}
		last := siblings[len(siblings)-1].SortOrder.Float64
		return placement{Parent: target, lo: last, hi: last + pad}, nil

	default: // left, right
		node, err := s.GetRow(TableContentNode, target)
		if err != nil {
			return placement{}, err
		}
		if node == nil {
			return placement{}, serr.New("placement target not found: " + target)
		}
		parent := node.Parent.String
		siblings, err := s.ChildRows(TableContentNode, parent)
		if err != nil {
			return placement{}, err
		}
		at := -1
		for i := range siblings {
			if siblings[i].RowKey == target {
				at = i
				break
			}
		}
		if at < 0 {
			return placement{}, serr.New("placement target missing from sibling set: " + target)
		}
		targetSort := siblings[at].SortOrder.Float64
		if position == PositionLeft {
			lo := targetSort - pad
			if at > 0 {
				lo = siblings[at-1].SortOrder.Float64
			}
			return placement{Parent: parent, lo: lo, hi: targetSort}, nil
		}
		hi := targetSort + pad
		if at < len(siblings)-1 {
			hi = siblings[at+1].SortOrder.Float64
		}
		return placement{Parent: parent, lo: targetSort, hi: hi}, nil
	}
}

// ============================================================================
// Session tree operations
// ============================================================================

// CreateNode creates a content node as the last child of parent. Attrs
// may carry any entity fields except parent and sort_order, which the
// placement supplies. Returns the new node's pre-assigned key.
func (s *Session) CreateNode(ctx context.Context, parent, kind string, attrs map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	doc := cloneDoc(attrs)
	if doc == nil {
		doc = map[string]any{}
	}
	doc["kind"] = kind

	if parent == RootKey {
		doc["parent"] = ""
		doc["sort_order"] = float64(1)
		top, err := s.ws.store.ChildRows(TableContentNode, RootKey)
		if err != nil {
			return "", err
		}
		if len(top) > 0 {
			doc["sort_order"] = top[len(top)-1].SortOrder.Float64 + 1
		}
	} else {
		p, err := s.ws.GetNode(parent)
		if err != nil {
			return "", err
		}
		if p == nil {
			return "", serr.New("parent node not found: " + parent)
		}
		if p.Kind.String != KindTopic {
			return "", serr.New("parent is not a topic: " + parent)
		}
		place, err := s.ws.resolvePlacement(parent, PositionLastChild, 1)
		if err != nil {
			return "", err
		}
		doc["parent"] = place.Parent
		doc["sort_order"] = place.sortAt(0, 1)
	}

	return s.CreateRow(ctx, TableContentNode, "", doc)
}

// UpdateNode applies partial field changes to a content node.
func (s *Session) UpdateNode(ctx context.Context, key string, mods map[string]any) error {
	return s.UpdateRow(ctx, TableContentNode, key, mods)
}

// DeleteNode deletes a node and its whole subtree, children first, each
// descendant as its own record so revert can restore the tree exactly.
func (s *Session) DeleteNode(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subtree, err := s.ws.subtreeKeys(key)
	if err != nil {
		return err
	}
	for i := len(subtree) - 1; i >= 0; i-- {
		if err := s.DeleteRow(ctx, TableContentNode, subtree[i]); err != nil {
			return err
		}
	}
	return nil
}

// MoveNode moves a node to the resolved placement. The record keeps the
// prior parent and sort_order for revert and the symbolic pair for the
// hub.
func (s *Session) MoveNode(ctx context.Context, key, target, position string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	place, err := s.ws.resolvePlacement(target, position, 1)
	if err != nil {
		return err
	}
	if place.Parent == key {
		return serr.New("cannot move a node into itself")
	}
	inside, err := s.ws.isDescendant(place.Parent, key)
	if err != nil {
		return err
	}
	if inside {
		return serr.New("cannot move a node into its own subtree")
	}

	tx, err := s.ws.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row, err := tx.GetRow(TableContentNode, key)
	if err != nil {
		return err
	}
	if row == nil {
		return serr.New("move of missing node: " + key)
	}

	sortOrder := place.sortAt(0, 1)
	rec := &ChangeRecord{
		TableName:  TableContentNode,
		RowKey:     key,
		ChangeType: ChangeMoved,
		Source:     s.ws.clientID,
		Payload: ChangePayload{
			Mods: map[string]any{
				"target":     target,
				"position":   position,
				"parent":     place.Parent,
				"sort_order": sortOrder,
			},
			OldObj: map[string]any{
				"parent":     row.Doc["parent"],
				"sort_order": row.Doc["sort_order"],
			},
		},
	}

	moved := cloneDoc(row.Doc)
	moved["parent"] = place.Parent
	moved["sort_order"] = sortOrder
	if err = tx.UpsertRow(TableContentNode, key, moved); err != nil {
		return err
	}
	if err = s.ws.log.Append(tx, rec); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return &LocalWriteError{Op: "move node", Err: err}
	}
	return nil
}

// CopyNode copies one node (and its subtree when deep) to the resolved
// placement. Returns the copy's pre-assigned key.
func (s *Session) CopyNode(ctx context.Context, key, target, position string, deep bool) (string, error) {
	keys, err := s.CopyNodes(ctx, []string{key}, target, position, deep)
	if err != nil {
		return "", err
	}
	return keys[0], nil
}

// CopyNodes copies a set of nodes to the resolved placement, in chunks.
// Top-level copies within a chunk run concurrently since they are
// independent entities; chunks run in order, and a deep copy gets a
// chunk to itself so its subtree records stay strictly parent before
// child. Cancel the context to stop after the current chunk; local
// effects already applied unwind via the session's revert.
func (s *Session) CopyNodes(ctx context.Context, keys []string, target, position string, deep bool) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	place, err := s.ws.resolvePlacement(target, position, len(keys))
	if err != nil {
		return nil, err
	}

	// Keys are pre-assigned before any work so a retried submission
	// upserts into the same entities.
	newKeys := make([]string, len(keys))
	for i := range keys {
		newKeys[i] = uuid.New().String()
	}

	chunk := s.ws.cfg.CopyChunk
	if chunk < 1 {
		chunk = DefaultCopyChunk
	}
	if deep {
		chunk = 1
	}

	for start := 0; start < len(keys); start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}

		var wg sync.WaitGroup
		errs := make([]error, end-start)
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i-start] = s.copyOne(ctx, keys[i], newKeys[i],
					place.Parent, place.sortAt(i, len(keys)), target, position, deep)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}
	return newKeys, nil
}

// copyOne copies a single source node, and when deep, walks its subtree
// parent before child remapping parents onto the fresh keys.
func (s *Session) copyOne(ctx context.Context, srcKey, newKey, parent string, sortOrder float64, target, position string, deep bool) error {
	src, err := s.ws.GetNode(srcKey)
	if err != nil {
		return err
	}
	if src == nil {
		return serr.New("copy source not found: " + srcKey)
	}

	doc := cloneDoc(src.Doc)
	doc["parent"] = parent
	doc["sort_order"] = sortOrder
	rec := &ChangeRecord{
		TableName:  TableContentNode,
		RowKey:     newKey,
		ChangeType: ChangeCopied,
		Source:     s.ws.clientID,
		Payload: ChangePayload{
			Obj:     doc,
			FromKey: srcKey,
			Mods: map[string]any{
				"target":   target,
				"position": position,
			},
		},
	}
	if err = s.apply(rec); err != nil {
		return err
	}
	if !deep {
		return nil
	}

	// Breadth-first over the source subtree; keyMap carries old key to
	// new key so every descendant's parent lands on its copied parent.
	keyMap := map[string]string{srcKey: newKey}
	frontier := []string{srcKey}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := frontier[:0:0]
		for _, oldParent := range frontier {
			children, err := s.ws.Children(oldParent)
			if err != nil {
				return err
			}
			for i := range children {
				child := &children[i]
				childKey := uuid.New().String()
				keyMap[child.RowKey] = childKey

				childDoc := cloneDoc(child.Doc)
				childDoc["parent"] = keyMap[oldParent]
				rec := &ChangeRecord{
					TableName:  TableContentNode,
					RowKey:     childKey,
					ChangeType: ChangeCopied,
					Source:     s.ws.clientID,
					Payload:    ChangePayload{Obj: childDoc, FromKey: child.RowKey},
				}
				if err = s.apply(rec); err != nil {
					return err
				}
				if child.Kind.String == KindTopic {
					next = append(next, child.RowKey)
				}
			}
		}
		frontier = next
	}
	return nil
}

// ============================================================================
// Tree helpers
// ============================================================================

// subtreeKeys returns key and every descendant, parent before child.
func (ws *Workspace) subtreeKeys(key string) ([]string, error) {
	node, err := ws.GetNode(key)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}
	keys := []string{key}
	frontier := []string{key}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, parent := range frontier {
			children, err := ws.Children(parent)
			if err != nil {
				return nil, err
			}
			for i := range children {
				keys = append(keys, children[i].RowKey)
				if children[i].Kind.String == KindTopic {
					next = append(next, children[i].RowKey)
				}
			}
		}
		frontier = next
	}
	return keys, nil
}

// isDescendant reports whether key sits inside ancestor's subtree.
func (ws *Workspace) isDescendant(key, ancestor string) (bool, error) {
	for key != RootKey {
		if key == ancestor {
			return true, nil
		}
		node, err := ws.GetNode(key)
		if err != nil {
			return false, err
		}
		if node == nil || !node.Parent.Valid {
			return false, nil
		}
		key = node.Parent.String
	}
	return false, nil
}
