package models

import (
	"net/http"
	"path/filepath"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Hub
//
// The hub is the curation server's sync surface: it applies submitted
// change batches to its own store and journals every applied change so
// other workspaces can pull them. Per-table behavior hangs off explicit
// capability interfaces — every table handles create/update/delete, and
// only the tree table additionally satisfies TreeHandler. The
// dispatcher type-asserts the capability; a move or copy against a
// plain table is a per-change validation error, not a crash.
// ============================================================================

// TableHandler applies the operations every entity table supports.
// Create is upsert by contract: clients pre-assign keys, so a resend
// after a partial failure must not duplicate the entity.
type TableHandler interface {
	Create(tx *Tx, ch *WireChange) error
	Update(tx *Tx, ch *WireChange) error
	Delete(tx *Tx, ch *WireChange) error
}

// TreeHandler extends TableHandler with tree placement operations.
// Copy may return followup changes the submitting client must apply.
type TreeHandler interface {
	TableHandler
	Move(tx *Tx, ch *WireChange) error
	Copy(tx *Tx, ch *WireChange) ([]WireChange, error)
}

// Hub applies change batches and serves the change feed.
type Hub struct {
	store    *Store
	log      *ChangeLog
	handlers map[string]TableHandler
}

// OpenHub opens (or creates) the hub database under the data directory.
func OpenHub(cfg *Config) (*Hub, error) {
	store, err := OpenStore(filepath.Join(cfg.DataDir, "hub.ddb"))
	if err != nil {
		return nil, serr.Wrap(err, "failed to open hub store")
	}
	return NewHub(store), nil
}

// NewHub wraps an already open store. The store's lifecycle passes to
// the hub; Close closes it.
func NewHub(store *Store) *Hub {
	h := &Hub{
		store:    store,
		log:      NewChangeLog(store),
		handlers: make(map[string]TableHandler, len(tablePriority)),
	}
	row := &rowHandler{store: store}
	for _, table := range tablePriority {
		h.handlers[table] = row
	}
	h.handlers[TableContentNode] = &treeHandler{rowHandler{store: store}}
	return h
}

// Close releases the underlying store.
func (h *Hub) Close() error {
	return h.store.Close()
}

// Store exposes the hub store for the auth layer and status surface.
func (h *Hub) Store() *Store { return h.store }

// ============================================================================
// Batch application
// ============================================================================

// Apply processes a submitted batch. The batch is stable-sorted into
// apply order (table priority, then change-type rank) so containers land
// before contents and copies before the operations that assume them;
// within a group the client's submission order — its causal order — is
// preserved. Each change applies in its own transaction together with
// its feed record, so a bad change fails alone. Source tags the feed
// records with the submitting workspace.
//
// The returned status is 200 when every change applied, 207 on partial
// failure, 400 when all failed.
func (h *Hub) Apply(changes []WireChange, source string) (*SubmitResponse, int) {
	ordered := make([]WireChange, len(changes))
	copy(ordered, changes)
	SortForApply(ordered)

	resp := &SubmitResponse{}
	applied := 0
	for i := range ordered {
		ch := &ordered[i]
		followups, err := h.applyOne(ch, source)
		// Followups survive a failed change: a copy with a vanished
		// source fails AND returns the compensating delete.
		resp.Changes = append(resp.Changes, followups...)
		if err != nil {
			ch.Errors = append(ch.Errors, err.Error())
			resp.Errors = append(resp.Errors, *ch)
			logger.Info("Change rejected",
				"table", ch.Table, "key", ch.Key,
				"type", ChangeTypeName(ch.Type), "error", err.Error())
			continue
		}
		applied++
	}

	switch {
	case len(resp.Errors) == 0:
		return resp, http.StatusOK
	case applied > 0:
		return resp, http.StatusMultiStatus
	default:
		return resp, http.StatusBadRequest
	}
}

// applyOne dispatches a single change to its table's handler and
// journals it for the pull feed in the same transaction.
func (h *Hub) applyOne(ch *WireChange, source string) ([]WireChange, error) {
	handler, ok := h.handlers[ch.Table]
	if !ok {
		return nil, serr.New("unknown table: " + ch.Table)
	}
	if ch.Key == "" {
		return nil, serr.New("change is missing its key")
	}

	tx, err := h.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var followups []WireChange
	switch ch.Type {
	case ChangeCreated:
		err = handler.Create(tx, ch)
	case ChangeUpdated:
		err = handler.Update(tx, ch)
	case ChangeDeleted:
		err = handler.Delete(tx, ch)
	case ChangeMoved:
		tree, treeOK := handler.(TreeHandler)
		if !treeOK {
			return nil, serr.New("table does not support move: " + ch.Table)
		}
		err = tree.Move(tx, ch)
	case ChangeCopied:
		tree, treeOK := handler.(TreeHandler)
		if !treeOK {
			return nil, serr.New("table does not support copy: " + ch.Table)
		}
		followups, err = tree.Copy(tx, ch)
	default:
		return nil, serr.New("unknown change type")
	}
	if err != nil {
		return followups, err
	}

	// Journal for the feed. Recorded synced: the hub is the authority,
	// there is nothing further to drain.
	feedSource := ch.Source
	if feedSource == "" {
		feedSource = source
	}
	err = h.log.Append(tx, &ChangeRecord{
		TableName:  ch.Table,
		RowKey:     ch.Key,
		ChangeType: ch.Type,
		Source:     feedSource,
		SyncState:  SyncSynced,
		Payload: ChangePayload{
			Obj:     ch.Obj,
			Mods:    ch.Mods,
			Diffs:   ch.Diffs,
			FromKey: ch.FromKey,
		},
	})
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, &LocalWriteError{Op: "hub apply", Err: err}
	}
	return followups, nil
}

// ============================================================================
// Change feed
// ============================================================================

// ChangesSince pages the hub's journal after an exclusive cursor,
// skipping the requesting workspace's own submissions.
func (h *Hub) ChangesSince(since int64, limit int, excludeSource string) (*ChangesResponse, error) {
	if limit <= 0 || limit > pullLimit {
		limit = pullLimit
	}
	records, err := h.log.queryChanges(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE sequence > ? AND source != ?
		ORDER BY sequence ASC
		LIMIT ?`, since, excludeSource, limit+1)
	if err != nil {
		return nil, err
	}

	resp := &ChangesResponse{}
	if len(records) > limit {
		resp.HasMore = true
		records = records[:limit]
	}
	for i := range records {
		w := records[i].ToWire()
		w.Source = records[i].Source
		resp.Changes = append(resp.Changes, w)
	}
	return resp, nil
}

// ============================================================================
// Row handler — every plain entity table
// ============================================================================

type rowHandler struct {
	store *Store
}

func (rh *rowHandler) Create(tx *Tx, ch *WireChange) error {
	if ch.Obj == nil {
		return serr.New("create is missing its snapshot")
	}
	// Upsert: a duplicate pre-assigned key is a resend, not a new row.
	return tx.UpsertRow(ch.Table, ch.Key, cloneDoc(ch.Obj))
}

func (rh *rowHandler) Update(tx *Tx, ch *WireChange) error {
	row, err := tx.GetRow(ch.Table, ch.Key)
	if err != nil {
		return err
	}
	if row == nil {
		return serr.New("not found: " + ch.Table + "/" + ch.Key)
	}
	merged := cloneDoc(row.Doc)
	for k, v := range ch.Mods {
		if patch, ok := ch.Diffs[k]; ok {
			cur, _ := docString(merged, k)
			upd, _ := v.(string)
			merged[k] = mergeTextField(cur, patch, upd)
			continue
		}
		merged[k] = normalizeValue(v)
	}
	return tx.UpsertRow(ch.Table, ch.Key, merged)
}

func (rh *rowHandler) Delete(tx *Tx, ch *WireChange) error {
	// Idempotent: deleting an absent row succeeds.
	return tx.DeleteRow(ch.Table, ch.Key)
}

// ============================================================================
// Tree handler — contentnode
// ============================================================================

type treeHandler struct {
	rowHandler
}

// Move places the node. A client that resolved placement locally sends
// parent/sort_order in mods and that is authoritative; otherwise the
// symbolic target/position pair resolves against the hub's sibling set.
func (th *treeHandler) Move(tx *Tx, ch *WireChange) error {
	row, err := tx.GetRow(ch.Table, ch.Key)
	if err != nil {
		return err
	}
	if row == nil {
		return serr.New("not found: " + ch.Table + "/" + ch.Key)
	}

	moved := cloneDoc(row.Doc)
	if p, ok := ch.Mods["parent"]; ok {
		moved["parent"] = normalizeValue(p)
		if so, has := ch.Mods["sort_order"]; has {
			moved["sort_order"] = normalizeValue(so)
		}
	} else {
		target, _ := docString(ch.Mods, "target")
		position, _ := docString(ch.Mods, "position")
		place, err := resolvePlacement(th.store, target, position, 1)
		if err != nil {
			return err
		}
		moved["parent"] = place.Parent
		moved["sort_order"] = place.sortAt(0, 1)
	}
	return tx.UpsertRow(ch.Table, ch.Key, moved)
}

// Copy creates the node copy under its pre-assigned key. A duplicate
// key is a resend and a no-op. A missing source row cannot be copied;
// the caller gets a compensating DELETED followup so the optimistic
// local copy unwinds on the workspace that requested it.
func (th *treeHandler) Copy(tx *Tx, ch *WireChange) ([]WireChange, error) {
	existing, err := tx.GetRow(ch.Table, ch.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	if ch.FromKey == "" {
		return nil, serr.New("copy is missing its source key")
	}

	src, err := tx.GetRow(ch.Table, ch.FromKey)
	if err != nil {
		return nil, err
	}
	if src == nil {
		followup := []WireChange{{
			Table: ch.Table,
			Key:   ch.Key,
			Type:  ChangeDeleted,
		}}
		return followup, serr.New("copy source not found: " + ch.FromKey)
	}

	doc := cloneDoc(src.Doc)
	for k, v := range ch.Obj {
		doc[k] = normalizeValue(v)
	}
	if _, ok := doc["parent"]; !ok || ch.Obj == nil {
		if target, has := docString(ch.Mods, "target"); has {
			position, _ := docString(ch.Mods, "position")
			place, err := resolvePlacement(th.store, target, position, 1)
			if err != nil {
				return nil, err
			}
			doc["parent"] = place.Parent
			doc["sort_order"] = place.sortAt(0, 1)
		}
	}
	return nil, tx.UpsertRow(ch.Table, ch.Key, doc)
}
