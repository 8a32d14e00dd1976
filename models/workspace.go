package models

import (
	"path/filepath"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Workspace
//
// A Workspace is the offline-first editing side: a local store of entity
// rows, the change log journaling every mutation, and this machine's
// durable client identity. All entity mutation flows through tracker
// sessions (tracker.go); nothing writes entity_rows directly, so the log
// and the materialized rows can never disagree.
// ============================================================================

// Workspace owns the local store, the change log and the client identity.
type Workspace struct {
	store    *Store
	log      *ChangeLog
	cfg      *Config
	clientID string
}

// OpenWorkspace opens (or creates) the workspace database under the
// configured data directory.
func OpenWorkspace(cfg *Config) (*Workspace, error) {
	store, err := OpenStore(filepath.Join(cfg.DataDir, "workspace.ddb"))
	if err != nil {
		return nil, serr.Wrap(err, "failed to open workspace store")
	}
	ws, err := NewWorkspace(store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return ws, nil
}

// NewWorkspace wraps an already open store. The store's lifecycle passes
// to the workspace; Close closes it.
func NewWorkspace(store *Store, cfg *Config) (*Workspace, error) {
	ident, err := LoadSyncIdentity(store)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{
		store:    store,
		log:      NewChangeLog(store),
		cfg:      cfg,
		clientID: ident.ClientID,
	}
	logger.Info("Workspace opened", "client_id", ws.clientID)
	return ws, nil
}

// Close releases the underlying store.
func (ws *Workspace) Close() error {
	return ws.store.Close()
}

// Store exposes the underlying store for read-side callers (status pages,
// the queue view). Mutation still goes through sessions only.
func (ws *Workspace) Store() *Store { return ws.store }

// Log exposes the change log for the sync engine and the ops surface.
func (ws *Workspace) Log() *ChangeLog { return ws.log }

// ClientID is this workspace's durable source tag.
func (ws *Workspace) ClientID() string { return ws.clientID }

// ============================================================================
// Reads — served from the store's memory projection
// ============================================================================

// GetNode reads a content node's current state, or nil if absent.
func (ws *Workspace) GetNode(key string) (*EntityRow, error) {
	return ws.store.GetRow(TableContentNode, key)
}

// Children lists a node's children in sibling order.
func (ws *Workspace) Children(parent string) ([]EntityRow, error) {
	return ws.store.ChildRows(TableContentNode, parent)
}

// GetRow reads any entity's current state, or nil if absent.
func (ws *Workspace) GetRow(table, key string) (*EntityRow, error) {
	return ws.store.GetRow(table, key)
}

// ============================================================================
// Replay
// ============================================================================

// ReplayEntity folds the entity's change records from the start of the
// log into a document. The result equals the materialized row for any
// entity mutated only through sessions; a nil result means the last
// record deleted it (or it never existed).
func (ws *Workspace) ReplayEntity(table, key string) (map[string]any, error) {
	records, err := ws.log.queryChanges(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE table_name = ? AND row_key = ?
		ORDER BY sequence ASC`, table, key)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	for _, rec := range records {
		doc = replayStep(doc, rec)
	}
	return doc, nil
}

// replayStep applies one change record to a document.
func replayStep(doc map[string]any, rec ChangeRecord) map[string]any {
	switch rec.ChangeType {
	case ChangeCreated, ChangeCopied:
		return cloneDoc(rec.Payload.Obj)
	case ChangeUpdated:
		if doc == nil {
			return nil
		}
		for k, v := range rec.Payload.Mods {
			doc[k] = normalizeValue(v)
		}
		return doc
	case ChangeMoved:
		if doc == nil {
			return nil
		}
		// Replay uses the resolved placement captured at mutation time,
		// never the target/position pair, so the outcome cannot depend
		// on the sibling set at replay time.
		if p, ok := rec.Payload.Mods["parent"]; ok {
			doc["parent"] = normalizeValue(p)
		}
		if so, ok := rec.Payload.Mods["sort_order"]; ok {
			doc["sort_order"] = normalizeValue(so)
		}
		return doc
	case ChangeDeleted:
		return nil
	}
	return doc
}

// ============================================================================
// Remote apply
//
// Changes pulled from the hub (or returned by it as followups) are real
// local mutations, but they are recorded with the IGNORED source and in
// the synced state: the hub already has them, so they must never drain,
// and a revert must never undo another editor's work.
// ============================================================================

// ApplyRemote applies hub-side changes to the local store. Changes whose
// source is this workspace are echoes of our own submissions and are
// skipped. Returns the highest hub sequence seen, for the pull cursor.
func (ws *Workspace) ApplyRemote(changes []WireChange) (int64, error) {
	var maxSeq int64
	for i := range changes {
		ch := &changes[i]
		if ch.Seq > maxSeq {
			maxSeq = ch.Seq
		}
		if ch.Source == ws.clientID {
			continue
		}
		if err := ws.applyRemoteChange(ch); err != nil {
			// One bad change must not wedge the pull; it is logged and
			// the rest of the batch still applies.
			logger.LogErr(err, "failed to apply remote change",
				"table", ch.Table, "key", ch.Key, "type", ChangeTypeName(ch.Type))
		}
	}
	return maxSeq, nil
}

func (ws *Workspace) applyRemoteChange(ch *WireChange) error {
	tx, err := ws.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec := &ChangeRecord{
		TableName:  ch.Table,
		RowKey:     ch.Key,
		ChangeType: ch.Type,
		Source:     SourceIgnored,
		SyncState:  SyncSynced,
		Payload: ChangePayload{
			Obj:     cloneDoc(ch.Obj),
			Mods:    cloneDoc(ch.Mods),
			Diffs:   ch.Diffs,
			FromKey: ch.FromKey,
		},
	}

	switch ch.Type {
	case ChangeCreated, ChangeCopied:
		if err = tx.UpsertRow(ch.Table, ch.Key, rec.Payload.Obj); err != nil {
			return err
		}

	case ChangeUpdated:
		row, err := tx.GetRow(ch.Table, ch.Key)
		if err != nil {
			return err
		}
		if row == nil {
			// The row may have been deleted locally after the hub
			// recorded the update. Last local write wins.
			return nil
		}
		merged := cloneDoc(row.Doc)
		for k, v := range rec.Payload.Mods {
			if patch, ok := ch.Diffs[k]; ok {
				cur, _ := docString(merged, k)
				upd, _ := v.(string)
				merged[k] = mergeTextField(cur, patch, upd)
				continue
			}
			merged[k] = normalizeValue(v)
		}
		if err = tx.UpsertRow(ch.Table, ch.Key, merged); err != nil {
			return err
		}

	case ChangeMoved:
		row, err := tx.GetRow(ch.Table, ch.Key)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		moved := cloneDoc(row.Doc)
		if p, ok := rec.Payload.Mods["parent"]; ok {
			moved["parent"] = normalizeValue(p)
		}
		if so, ok := rec.Payload.Mods["sort_order"]; ok {
			moved["sort_order"] = normalizeValue(so)
		}
		if err = tx.UpsertRow(ch.Table, ch.Key, moved); err != nil {
			return err
		}

	case ChangeDeleted:
		if err = tx.DeleteRow(ch.Table, ch.Key); err != nil {
			return err
		}

	default:
		return serr.New("unknown change type from hub: " + ChangeTypeName(ch.Type))
	}

	if err = ws.log.Append(tx, rec); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return &LocalWriteError{Op: "remote apply", Err: err}
	}
	return nil
}
