package models

import (
	"sort"
)

// ============================================================================
// Wire protocol
//
// Workspaces submit change batches to the hub as JSON arrays of
// WireChange; the hub echoes failures with errors attached and returns
// server-generated followups. The same shape serves the hub's pull feed
// (GET /api/v1/changes), where Seq carries the hub's own log sequence.
//
// The wire never carries local pre-images: OldObj exists only for
// revert, and the hub has no use for another machine's undo state.
// ============================================================================

// WireChange is one change on the wire.
//
// Field usage per type mirrors the payload rules in change.go: CREATED
// and COPIED carry Obj (full snapshot, key pre-assigned by the client);
// UPDATED carries Mods and optional Diffs; DELETED carries only the key;
// MOVED carries Mods with the symbolic target/position pair plus the
// client's resolved parent/sort_order; COPIED also carries FromKey.
type WireChange struct {
	Seq     int64             `json:"seq,omitempty"`
	Table   string            `json:"table"`
	Key     string            `json:"key"`
	Type    int16             `json:"type"`
	Obj     map[string]any    `json:"obj,omitempty"`
	Mods    map[string]any    `json:"mods,omitempty"`
	Diffs   map[string]string `json:"diffs,omitempty"`
	FromKey string            `json:"from_key,omitempty"`
	Source  string            `json:"source,omitempty"`
	Errors  []string          `json:"errors,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/sync.
type SubmitRequest struct {
	Changes []WireChange `json:"changes"`
}

// SubmitResponse is the hub's reply. Changes carries server-generated
// followups the workspace must apply (e.g. a compensating delete for a
// copy whose source vanished); Errors echoes every failed change with
// its errors attached. Submitted changes absent from Errors succeeded.
// 200 when everything succeeded, 207 on partial failure, 400 when every
// change failed.
type SubmitResponse struct {
	Changes []WireChange `json:"changes"`
	Errors  []WireChange `json:"errors,omitempty"`
}

// ChangesResponse is the body of GET /api/v1/changes. HasMore signals
// the client to pull again from the new cursor.
type ChangesResponse struct {
	Changes []WireChange `json:"changes"`
	HasMore bool         `json:"has_more"`
}

// ToWire converts a log record for submission. Pre-images stay local.
func (rec *ChangeRecord) ToWire() WireChange {
	w := WireChange{
		Seq:     rec.Sequence,
		Table:   rec.TableName,
		Key:     rec.RowKey,
		Type:    rec.ChangeType,
		Source:  rec.Source,
		FromKey: rec.Payload.FromKey,
	}
	switch rec.ChangeType {
	case ChangeCreated, ChangeCopied:
		w.Obj = rec.Payload.Obj
		w.Mods = rec.Payload.Mods
	case ChangeUpdated:
		w.Mods = rec.Payload.Mods
		w.Diffs = rec.Payload.Diffs
	case ChangeMoved:
		w.Mods = rec.Payload.Mods
	}
	return w
}

// SortForApply orders a batch the way the hub applies it: stable by
// table priority so containers land before their contents, then by
// change type so copies and creates precede the operations that assume
// the rows exist. Stability preserves submission order within a group,
// which is the client's causal order.
func SortForApply(changes []WireChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		ti, tj := TableSortIndex(changes[i].Table), TableSortIndex(changes[j].Table)
		if ti != tj {
			return ti < tj
		}
		return ChangeTypeRank(changes[i].Type) < ChangeTypeRank(changes[j].Type)
	})
}
