package models

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"
)

// ChangeRecord is one entry in the append-only change log. Records are
// immutable once written except for their sync bookkeeping columns.
// Replaying an entity's records in ascending sequence order reconstructs
// its current state; entity_rows is a materialized cache of the log.
type ChangeRecord struct {
	Sequence   int64          // Assigned at append time, strictly increasing
	TableName  string         // Target entity table
	RowKey     string         // Target entity key within the table
	ChangeType int16          // 1: Create, 2: Update, 3: Delete, 4: Move, 5: Copy
	Payload    ChangePayload  // Delta or snapshot needed to replay or revert
	Source     string         // Client id, or an ignored-source tag
	SyncState  int16          // Pending, in flight, synced or failed
	Attempts   int32          // Submission attempts so far
	LastError  sql.NullString // Most recent failure message
	ErrorClass sql.NullString // Most recent failure class (see errors.go)
	CreatedAt  time.Time      // Immutable timestamp
	SyncedAt   sql.NullTime   // Set when the hub confirms the change
}

// ChangePayload carries the type-specific body of a change.
// Obj holds a full row snapshot (creates and copies), Mods holds just
// the changed fields (updates) or move details (target, position, plus
// the resolved parent and sort_order for deterministic replay).
// OldObj is the local pre-image used to compute inverses on revert; it
// never goes over the wire. Diffs carries text patches for changed
// long string fields so concurrent edits to the same text can merge on
// the receiving side (see diff.go).
type ChangePayload struct {
	Obj     map[string]any    `msgpack:"obj,omitempty" json:"obj,omitempty"`
	Mods    map[string]any    `msgpack:"mods,omitempty" json:"mods,omitempty"`
	OldObj  map[string]any    `msgpack:"old_obj,omitempty" json:"-"`
	Diffs   map[string]string `msgpack:"diffs,omitempty" json:"diffs,omitempty"`
	FromKey string            `msgpack:"from_key,omitempty" json:"from_key,omitempty"`
}

// Change type constants define the kind of mutation
const (
	ChangeCreated = 1
	ChangeUpdated = 2
	ChangeDeleted = 3
	ChangeMoved   = 4
	ChangeCopied  = 5
)

// Sync state machine: Pending -> InFlight -> {Synced | Failed};
// Failed -> Pending on retry
const (
	SyncPending  = 1
	SyncInFlight = 2
	SyncSynced   = 3
	SyncFailed   = 4
)

// Source tags with special handling. Ordinary records carry the
// workspace's client id. IGNORED marks changes applied from the hub:
// recorded for the replay law but never drained and never reverted.
// IGNORED/REVERT marks inverse records appended by a revert: drained
// like normal changes but excluded from later reverts so undone work
// is never re-undone.
const (
	SourceIgnored = "IGNORED"
	SourceRevert  = "IGNORED/REVERT"
)

// changeTypeRank fixes the application order for changes within one
// table when the hub applies a batch: copies first so sources exist,
// then creates, updates, deletes, and moves last.
var changeTypeRank = map[int16]int{
	ChangeCopied:  0,
	ChangeCreated: 1,
	ChangeUpdated: 2,
	ChangeDeleted: 3,
	ChangeMoved:   4,
}

// ChangeTypeRank returns the within-table ordering rank for a change
// type. Unknown types sort last.
func ChangeTypeRank(changeType int16) int {
	if r, ok := changeTypeRank[changeType]; ok {
		return r
	}
	return len(changeTypeRank)
}

var changeTypeNames = map[int16]string{
	ChangeCreated: "create",
	ChangeUpdated: "update",
	ChangeDeleted: "delete",
	ChangeMoved:   "move",
	ChangeCopied:  "copy",
}

func ChangeTypeName(changeType int16) string {
	if n, ok := changeTypeNames[changeType]; ok {
		return n
	}
	return "unknown"
}

func SyncStateName(state int16) string {
	switch state {
	case SyncPending:
		return "pending"
	case SyncInFlight:
		return "in_flight"
	case SyncSynced:
		return "synced"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SQL DDL constants for the change log

const DDLCreateChangeLogSeq = `
CREATE SEQUENCE IF NOT EXISTS change_log_seq START 1;
`

const DDLCreateChangeLogTable = `
CREATE TABLE IF NOT EXISTS change_log (
    sequence    BIGINT PRIMARY KEY DEFAULT nextval('change_log_seq'),
    table_name  VARCHAR NOT NULL,
    row_key     VARCHAR NOT NULL,
    change_type SMALLINT NOT NULL,
    payload     BLOB,
    source      VARCHAR NOT NULL,
    sync_state  SMALLINT NOT NULL DEFAULT 1,
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  VARCHAR,
    error_class VARCHAR,
    created_at  TIMESTAMP,
    synced_at   TIMESTAMP
);
`

// changeColumns is the canonical select list matching scanChange
const changeColumns = `sequence, table_name, row_key, change_type, payload, source,
	sync_state, attempts, last_error, error_class, created_at, synced_at`

// ChangeLog provides append and bookkeeping operations over the
// change_log table. All reads go to the disk database: the log is the
// source of truth for sync and revert ordering, so it never tolerates
// a stale cache.
type ChangeLog struct {
	store *Store
}

func NewChangeLog(s *Store) *ChangeLog {
	return &ChangeLog{store: s}
}

func encodePayload(p ChangePayload) ([]byte, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, serr.Wrap(err, "failed to encode change payload")
	}
	return data, nil
}

func decodePayload(data []byte) (ChangePayload, error) {
	var p ChangePayload
	if len(data) == 0 {
		return p, nil
	}
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return p, serr.Wrap(err, "failed to decode change payload")
	}
	p.Obj = normalizeDoc(p.Obj)
	p.Mods = normalizeDoc(p.Mods)
	p.OldObj = normalizeDoc(p.OldObj)
	return p, nil
}

// Append assigns the next sequence and stores the record inside the
// given transaction, so the log entry and the local store write it
// accompanies commit or roll back together. The record's Sequence and
// CreatedAt are filled in on success.
func (cl *ChangeLog) Append(tx *Tx, rec *ChangeRecord) error {
	if rec.SyncState == 0 {
		rec.SyncState = SyncPending
	}
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}

	rec.CreatedAt = time.Now().UTC()
	syncedAt := sql.NullTime{}
	if rec.SyncState == SyncSynced {
		syncedAt = sql.NullTime{Time: rec.CreatedAt, Valid: true}
	}
	rec.SyncedAt = syncedAt

	insertSQL := `
		INSERT INTO change_log (table_name, row_key, change_type, payload, source, sync_state, attempts, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		RETURNING sequence
	`
	err = tx.QueryRow(insertSQL,
		rec.TableName, rec.RowKey, rec.ChangeType, payload, rec.Source,
		rec.SyncState, rec.CreatedAt, syncedAt,
	).Scan(&rec.Sequence)
	if err != nil {
		return serr.Wrap(err, "failed to append change record")
	}

	// Pin the disk-assigned sequence into the memory projection so the
	// two databases agree on ordering
	tx.ExecMem(`
		INSERT INTO change_log (sequence, table_name, row_key, change_type, payload, source, sync_state, attempts, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		rec.Sequence, rec.TableName, rec.RowKey, rec.ChangeType, payload,
		rec.Source, rec.SyncState, rec.CreatedAt, syncedAt,
	)

	return nil
}

// NextSequence returns the sequence the next appended record will
// receive. Tracker sessions capture this as their watermark.
func (cl *ChangeLog) NextSequence() (int64, error) {
	var next int64
	err := cl.store.QueryRowDisk(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM change_log`).Scan(&next)
	if err != nil {
		return 0, serr.Wrap(err, "failed to read next change sequence")
	}
	return next, nil
}

func scanChange(rows *sql.Rows) (ChangeRecord, error) {
	var rec ChangeRecord
	var payload []byte
	err := rows.Scan(
		&rec.Sequence,
		&rec.TableName,
		&rec.RowKey,
		&rec.ChangeType,
		&payload,
		&rec.Source,
		&rec.SyncState,
		&rec.Attempts,
		&rec.LastError,
		&rec.ErrorClass,
		&rec.CreatedAt,
		&rec.SyncedAt,
	)
	if err != nil {
		return rec, serr.Wrap(err, "failed to scan change record")
	}
	rec.Payload, err = decodePayload(payload)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (cl *ChangeLog) queryChanges(query string, args ...any) ([]ChangeRecord, error) {
	rows, err := cl.store.QueryDisk(query, args...)
	return collectChanges(rows, err)
}

func collectChanges(rows *sql.Rows, err error) ([]ChangeRecord, error) {
	if err != nil {
		return nil, serr.Wrap(err, "failed to query change records")
	}
	defer rows.Close()

	var changes []ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating change records")
	}
	return changes, nil
}

// entriesSinceTx reads the closed set for a revert inside the revert's
// own transaction, so the set cannot shift while inverses are applied.
func (cl *ChangeLog) entriesSinceTx(tx *Tx, watermark int64) ([]ChangeRecord, error) {
	rows, err := tx.disk.Query(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE sequence >= ?
		ORDER BY sequence ASC`, watermark)
	return collectChanges(rows, err)
}

// ChangeCursor walks records in ascending sequence order in bounded
// batches. Each Next call re-queries from the last position, so the
// cursor stays valid across interleaved appends and restarts.
type ChangeCursor struct {
	log   *ChangeLog
	next  int64
	batch int
	done  bool
}

// EntriesSince returns a cursor over every record with sequence at or
// after the given watermark, in append order, regardless of source or
// sync state.
func (cl *ChangeLog) EntriesSince(watermark int64, batch int) *ChangeCursor {
	if batch <= 0 {
		batch = 200
	}
	return &ChangeCursor{log: cl, next: watermark, batch: batch}
}

// Next returns the next batch of records, or nil when the cursor is
// exhausted.
func (c *ChangeCursor) Next() ([]ChangeRecord, error) {
	if c.done {
		return nil, nil
	}
	changes, err := c.log.queryChanges(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE sequence >= ?
		ORDER BY sequence ASC
		LIMIT ?`, c.next, c.batch)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		c.done = true
		return nil, nil
	}
	c.next = changes[len(changes)-1].Sequence + 1
	if len(changes) < c.batch {
		c.done = true
	}
	return changes, nil
}

// All collects the remaining records. Intended for revert, where the
// closed set since a watermark is bounded by session size.
func (c *ChangeCursor) All() ([]ChangeRecord, error) {
	var all []ChangeRecord
	for {
		batch, err := c.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return all, nil
		}
		all = append(all, batch...)
	}
}

// PendingBatch returns up to limit pending records in ascending
// sequence order, skipping hub-applied records. It is the sync
// engine's candidate set; head-of-line filtering happens above.
func (cl *ChangeLog) PendingBatch(limit int) ([]ChangeRecord, error) {
	return cl.queryChanges(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE sync_state = ? AND source != ?
		ORDER BY sequence ASC
		LIMIT ?`, SyncPending, SourceIgnored, limit)
}

// BlockedEntities returns the set of entities that currently have an
// in-flight or failed record. Later pending records for these entities
// must not be sent until the earlier record resolves, or a move could
// land after the update that depends on it.
func (cl *ChangeLog) BlockedEntities() (map[string]struct{}, error) {
	rows, err := cl.store.QueryDisk(`
		SELECT DISTINCT table_name, row_key
		FROM change_log
		WHERE sync_state IN (?, ?)`, SyncInFlight, SyncFailed)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query blocked entities")
	}
	defer rows.Close()

	blocked := make(map[string]struct{})
	for rows.Next() {
		var table, key string
		if err := rows.Scan(&table, &key); err != nil {
			return nil, serr.Wrap(err, "failed to scan blocked entity")
		}
		blocked[JoinKey(table, key)] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating blocked entities")
	}
	return blocked, nil
}

// EntityFullyPending reports whether every record logged for the
// entity is still pending, meaning the hub has never heard of it. Only
// such entities are safe to retire locally when a create and its
// reverting delete cancel out.
func (cl *ChangeLog) EntityFullyPending(table, key string) (bool, error) {
	var total, pending int64
	err := cl.store.QueryRowDisk(`
		SELECT COUNT(*), COUNT(CASE WHEN sync_state = ? THEN 1 END)
		FROM change_log
		WHERE table_name = ? AND row_key = ?`, SyncPending, table, key).
		Scan(&total, &pending)
	if err != nil {
		return false, serr.Wrap(err, "failed to check entity sync history")
	}
	return total > 0 && total == pending, nil
}

// entitySequences lists every sequence logged for an entity.
func (cl *ChangeLog) entitySequences(table, key string) ([]int64, error) {
	rows, err := cl.store.QueryDisk(`
		SELECT sequence FROM change_log
		WHERE table_name = ? AND row_key = ?
		ORDER BY sequence ASC`, table, key)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query entity sequences")
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, serr.Wrap(err, "failed to scan entity sequence")
		}
		seqs = append(seqs, seq)
	}
	if err = rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating entity sequences")
	}
	return seqs, nil
}

// ClaimPending transitions the given records from pending to in
// flight, returning the sequences actually claimed. A record that
// changed state since it was selected (say, retired by a concurrent
// revert) is skipped rather than re-sent.
func (cl *ChangeLog) ClaimPending(seqs []int64) ([]int64, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	tx, err := cl.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	claimSQL := `UPDATE change_log SET sync_state = ? WHERE sequence = ? AND sync_state = ?`
	var claimed []int64
	for _, seq := range seqs {
		res, err := tx.disk.Exec(claimSQL, SyncInFlight, seq, SyncPending)
		if err != nil {
			return nil, serr.Wrap(err, "failed to claim change record")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, serr.Wrap(err, "failed to read claim result")
		}
		if n == 1 {
			tx.ExecMem(claimSQL, SyncInFlight, seq, SyncPending)
			claimed = append(claimed, seq)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func seqPlaceholders(seqs []int64) (string, []any) {
	marks := make([]string, len(seqs))
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		marks[i] = "?"
		args[i] = seq
	}
	return strings.Join(marks, ", "), args
}

// MarkSynced retires records after the hub confirms them (or after a
// drain determines they net to nothing and never need the hub).
func (cl *ChangeLog) MarkSynced(seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	marks, args := seqPlaceholders(seqs)
	args = append([]any{SyncSynced, time.Now().UTC()}, args...)
	err := cl.store.WriteThrough(`
		UPDATE change_log SET sync_state = ?, synced_at = ?
		WHERE sequence IN (`+marks+`)`, args...)
	if err != nil {
		return serr.Wrap(err, "failed to mark changes synced")
	}
	return nil
}

// MarkFailed records a failed submission with its classified reason.
func (cl *ChangeLog) MarkFailed(seq int64, class SyncErrorClass, reason string) error {
	err := cl.store.WriteThrough(`
		UPDATE change_log
		SET sync_state = ?, attempts = attempts + 1, last_error = ?, error_class = ?
		WHERE sequence = ?`, SyncFailed, reason, string(class), seq)
	if err != nil {
		return serr.Wrap(err, "failed to mark change failed")
	}
	return nil
}

// RequeueRetryable flips failed network-class records back to pending,
// provided their attempt budget is not exhausted. Returns how many
// records were requeued.
func (cl *ChangeLog) RequeueRetryable(maxAttempts int) (int64, error) {
	return cl.requeue(`
		UPDATE change_log SET sync_state = ?
		WHERE sync_state = ? AND error_class = ? AND attempts < ?`,
		SyncPending, SyncFailed, string(ClassNetwork), maxAttempts)
}

// RequeueFailed flips every failed record back to pending regardless
// of class or attempts. Manual retry from the queue endpoint.
func (cl *ChangeLog) RequeueFailed() (int64, error) {
	return cl.requeue(`
		UPDATE change_log SET sync_state = ? WHERE sync_state = ?`,
		SyncPending, SyncFailed)
}

// RequeueSequences flips the named failed records back to pending.
// Sequences not currently failed are left alone.
func (cl *ChangeLog) RequeueSequences(seqs []int64) (int64, error) {
	var total int64
	for _, seq := range seqs {
		n, err := cl.requeue(`
			UPDATE change_log SET sync_state = ? WHERE sequence = ? AND sync_state = ?`,
			SyncPending, seq, SyncFailed)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RecoverInFlight returns records stranded in flight by a crash or
// restart to pending. Safe because hub applies are idempotent.
func (cl *ChangeLog) RecoverInFlight() (int64, error) {
	return cl.requeue(`
		UPDATE change_log SET sync_state = ? WHERE sync_state = ?`,
		SyncPending, SyncInFlight)
}

func (cl *ChangeLog) requeue(query string, args ...any) (int64, error) {
	tx, err := cl.store.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.disk.Exec(query, args...)
	if err != nil {
		return 0, serr.Wrap(err, "failed to requeue change records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, serr.Wrap(err, "failed to read requeue result")
	}
	tx.ExecMem(query, args...)
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// QueueCounts summarizes the log by sync state for the status surface
type QueueCounts struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Synced   int64 `json:"synced"`
	Failed   int64 `json:"failed"`
}

func (cl *ChangeLog) Counts() (QueueCounts, error) {
	var counts QueueCounts
	rows, err := cl.store.QueryDisk(`
		SELECT sync_state, COUNT(*) FROM change_log GROUP BY sync_state`)
	if err != nil {
		return counts, serr.Wrap(err, "failed to count change records")
	}
	defer rows.Close()

	for rows.Next() {
		var state int16
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return counts, serr.Wrap(err, "failed to scan queue counts")
		}
		switch state {
		case SyncPending:
			counts.Pending = n
		case SyncInFlight:
			counts.InFlight = n
		case SyncSynced:
			counts.Synced = n
		case SyncFailed:
			counts.Failed = n
		}
	}
	if err = rows.Err(); err != nil {
		return counts, serr.Wrap(err, "error iterating queue counts")
	}
	return counts, nil
}

// FailedChanges lists failed records oldest first for the status
// surface and the queue view.
func (cl *ChangeLog) FailedChanges(limit int) ([]ChangeRecord, error) {
	return cl.queryChanges(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE sync_state = ?
		ORDER BY sequence ASC
		LIMIT ?`, SyncFailed, limit)
}

// RecentChanges lists the newest records first for the queue view.
func (cl *ChangeLog) RecentChanges(limit int) ([]ChangeRecord, error) {
	return cl.queryChanges(`
		SELECT `+changeColumns+`
		FROM change_log
		ORDER BY sequence DESC
		LIMIT ?`, limit)
}
