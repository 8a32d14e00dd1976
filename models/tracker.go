package models

import (
	"context"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Change Tracker
//
// A Session brackets a unit of user-facing work. It captures the next log
// sequence as its watermark when it begins; Revert later walks every
// record at or after the watermark in reverse order and applies inverse
// changes, so the whole unit unwinds as one. Sessions nest freely: an
// inner session's watermark is higher, so its revert never touches the
// outer session's records.
// ============================================================================

// Session is one tracked unit of work.
type Session struct {
	ws        *Workspace
	watermark int64
}

// Begin opens a session whose revert will cover every record appended
// from this point on. The watermark is the sequence the next append will
// receive, so records already in the log are never in scope.
func (ws *Workspace) Begin() (*Session, error) {
	next, err := ws.log.NextSequence()
	if err != nil {
		return nil, err
	}
	return &Session{ws: ws, watermark: next}, nil
}

// Watermark returns the first sequence this session covers.
func (s *Session) Watermark() int64 { return s.watermark }

// RevertFunc returns a zero-argument undo closure over this session,
// suitable for handing straight to an undo affordance.
func (s *Session) RevertFunc() func() error {
	return func() error {
		return s.Revert(context.Background())
	}
}

// ============================================================================
// Tracked mutations — generic row operations
//
// Every operation computes its pre-image and appends its change record in
// the same transaction as the row write, so the log entry and the
// materialized row commit or roll back together.
// ============================================================================

// CreateRow creates an entity with a pre-assigned key. Keys are client
// generated so a resend after a partial sync failure upserts instead of
// duplicating; pass an empty key to have one assigned.
func (s *Session) CreateRow(ctx context.Context, table, key string, doc map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !KnownTable(table) {
		return "", serr.New("unknown table: " + table)
	}
	if key == "" {
		key = uuid.New().String()
	}

	rec := &ChangeRecord{
		TableName:  table,
		RowKey:     key,
		ChangeType: ChangeCreated,
		Source:     s.ws.clientID,
		Payload:    ChangePayload{Obj: cloneDoc(doc)},
	}
	if err := s.apply(rec); err != nil {
		return "", err
	}
	return key, nil
}

// UpdateRow applies partial field changes to an entity. The prior values
// of the touched fields are captured for revert; long text fields also
// get a patch so concurrent editors of the same text can merge.
func (s *Session) UpdateRow(ctx context.Context, table, key string, mods map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.ws.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row, err := tx.GetRow(table, key)
	if err != nil {
		return err
	}
	if row == nil {
		return serr.New("update of missing entity: " + table + "/" + key)
	}

	olds := make(map[string]any, len(mods))
	var diffs map[string]string
	merged := cloneDoc(row.Doc)
	for k, v := range mods {
		olds[k] = merged[k]
		if s.ws.cfg.TextDiffs {
			if oldText, ok := docString(merged, k); ok && len(oldText) >= textDiffMinLen {
				if newText, ok := v.(string); ok {
					if patch := makeTextPatch(oldText, newText); patch != "" {
						if diffs == nil {
							diffs = make(map[string]string)
						}
						diffs[k] = patch
					}
				}
			}
		}
		merged[k] = normalizeValue(v)
	}

	rec := &ChangeRecord{
		TableName:  table,
		RowKey:     key,
		ChangeType: ChangeUpdated,
		Source:     s.ws.clientID,
		Payload:    ChangePayload{Mods: cloneDoc(mods), OldObj: olds, Diffs: diffs},
	}

	if err = tx.UpsertRow(table, key, merged); err != nil {
		return err
	}
	if err = s.ws.log.Append(tx, rec); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return &LocalWriteError{Op: "update " + table, Err: err}
	}
	return nil
}

// DeleteRow deletes an entity, keeping its full snapshot in the record
// so revert can restore it.
func (s *Session) DeleteRow(ctx context.Context, table, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.ws.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row, err := tx.GetRow(table, key)
	if err != nil {
		return err
	}
	if row == nil {
		// Idempotent: deleting an absent entity is not an error and
		// produces no record.
		return nil
	}

	rec := &ChangeRecord{
		TableName:  table,
		RowKey:     key,
		ChangeType: ChangeDeleted,
		Source:     s.ws.clientID,
		Payload:    ChangePayload{OldObj: row.Doc},
	}

	if err = tx.DeleteRow(table, key); err != nil {
		return err
	}
	if err = s.ws.log.Append(tx, rec); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return &LocalWriteError{Op: "delete " + table, Err: err}
	}
	return nil
}

// apply writes a change's row effect and its record in one transaction.
// Used by operations whose record is fully built up front.
func (s *Session) apply(rec *ChangeRecord) error {
	tx, err := s.ws.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch rec.ChangeType {
	case ChangeCreated, ChangeCopied:
		if err = tx.UpsertRow(rec.TableName, rec.RowKey, rec.Payload.Obj); err != nil {
			return err
		}
	default:
		return serr.New("apply only handles create and copy records")
	}

	if err = s.ws.log.Append(tx, rec); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return &LocalWriteError{Op: "apply " + ChangeTypeName(rec.ChangeType), Err: err}
	}
	return nil
}

// ============================================================================
// Revert
// ============================================================================

// Revert undoes everything this session produced. The record set since
// the watermark is recomputed now, inside the revert's own transaction,
// never cached at Begin time: operations from other goroutines may have
// landed in between and the closed set must include them.
//
// Inverse records are tagged with the REVERT source: they drain to the
// hub like any local change, but a later revert never inverts them, so
// undone work cannot be re-undone. Hub-applied records (IGNORED source)
// are never inverted.
//
// Revert is best-effort: an inverse whose target state is gone is
// skipped, and the session still completes. A non-nil *RevertConflict
// error reports skipped inverses and foreign records that depended on
// reverted state; any other error means nothing was applied.
func (s *Session) Revert(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.ws.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	records, err := s.ws.log.entriesSinceTx(tx, s.watermark)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// lastRevert tracks, per entity, the highest index of a REVERT-sourced
	// record in the set. A forward record before that index was already
	// unwound by an inner session; when its inverse no longer applies that
	// is expected, not a conflict.
	lastRevert := make(map[string]int)
	for i, rec := range records {
		if rec.Source == SourceRevert {
			lastRevert[JoinKey(rec.TableName, rec.RowKey)] = i
		}
	}

	conflict := &RevertConflict{}
	// removed collects keys whose creation this revert deletes, for the
	// dependent scan below.
	removed := make(map[string]struct{})

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Source == SourceRevert || rec.Source == SourceIgnored {
			continue
		}

		alreadyReverted := func() bool {
			idx, ok := lastRevert[JoinKey(rec.TableName, rec.RowKey)]
			return ok && idx > i
		}

		skip := func() {
			if !alreadyReverted() {
				conflict.Skipped = append(conflict.Skipped, rec.Sequence)
			}
		}

		row, err := tx.GetRow(rec.TableName, rec.RowKey)
		if err != nil {
			return err
		}

		switch rec.ChangeType {
		case ChangeCreated, ChangeCopied:
			if row == nil {
				skip()
				continue
			}
			if err = tx.DeleteRow(rec.TableName, rec.RowKey); err != nil {
				return err
			}
			err = s.ws.log.Append(tx, &ChangeRecord{
				TableName:  rec.TableName,
				RowKey:     rec.RowKey,
				ChangeType: ChangeDeleted,
				Source:     SourceRevert,
				Payload:    ChangePayload{OldObj: row.Doc},
			})
			if err != nil {
				return err
			}
			removed[rec.RowKey] = struct{}{}

		case ChangeDeleted:
			if row != nil {
				// Recreated underneath the session; leave it alone.
				skip()
				continue
			}
			snapshot := cloneDoc(rec.Payload.OldObj)
			if err = tx.UpsertRow(rec.TableName, rec.RowKey, snapshot); err != nil {
				return err
			}
			err = s.ws.log.Append(tx, &ChangeRecord{
				TableName:  rec.TableName,
				RowKey:     rec.RowKey,
				ChangeType: ChangeCreated,
				Source:     SourceRevert,
				Payload:    ChangePayload{Obj: snapshot},
			})
			if err != nil {
				return err
			}

		case ChangeUpdated:
			if row == nil {
				skip()
				continue
			}
			merged := cloneDoc(row.Doc)
			currents := make(map[string]any, len(rec.Payload.OldObj))
			for k, v := range rec.Payload.OldObj {
				currents[k] = merged[k]
				merged[k] = normalizeValue(v)
			}
			if err = tx.UpsertRow(rec.TableName, rec.RowKey, merged); err != nil {
				return err
			}
			err = s.ws.log.Append(tx, &ChangeRecord{
				TableName:  rec.TableName,
				RowKey:     rec.RowKey,
				ChangeType: ChangeUpdated,
				Source:     SourceRevert,
				Payload:    ChangePayload{Mods: cloneDoc(rec.Payload.OldObj), OldObj: currents},
			})
			if err != nil {
				return err
			}

		case ChangeMoved:
			if row == nil {
				skip()
				continue
			}
			moved := cloneDoc(row.Doc)
			currents := map[string]any{
				"parent":     moved["parent"],
				"sort_order": moved["sort_order"],
			}
			back := map[string]any{}
			if p, ok := rec.Payload.OldObj["parent"]; ok {
				moved["parent"] = normalizeValue(p)
				back["parent"] = moved["parent"]
			}
			if so, ok := rec.Payload.OldObj["sort_order"]; ok {
				moved["sort_order"] = normalizeValue(so)
				back["sort_order"] = moved["sort_order"]
			}
			if err = tx.UpsertRow(rec.TableName, rec.RowKey, moved); err != nil {
				return err
			}
			err = s.ws.log.Append(tx, &ChangeRecord{
				TableName:  rec.TableName,
				RowKey:     rec.RowKey,
				ChangeType: ChangeMoved,
				Source:     SourceRevert,
				Payload:    ChangePayload{Mods: back, OldObj: currents},
			})
			if err != nil {
				return err
			}
		}
	}

	// Records the revert could not unwind (hub-applied, or already
	// unwound elsewhere) that reference state this revert removed are
	// surfaced so the caller can warn the user.
	for _, rec := range records {
		if rec.Source != SourceIgnored && rec.Source != SourceRevert {
			continue
		}
		if rec.Payload.FromKey != "" {
			if _, gone := removed[rec.Payload.FromKey]; gone {
				conflict.Dependents = append(conflict.Dependents, rec.Sequence)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return &LocalWriteError{Op: "revert", Err: err}
	}

	if len(conflict.Skipped) > 0 || len(conflict.Dependents) > 0 {
		logger.Info("Revert completed with conflicts",
			"watermark", s.watermark,
			"skipped", len(conflict.Skipped),
			"dependents", len(conflict.Dependents))
		return conflict
	}
	return nil
}
