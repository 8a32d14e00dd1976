package models

import (
	"database/sql"
	"time"

	"github.com/rohanthewiz/serr"
)

// EntityRow is one materialized row of the local store, the current
// state of an entity identified by (table, key). Parent, SortOrder and
// Kind are lifted out of the document for tree rows so sibling queries
// stay indexable; Doc remains the full canonical record.
type EntityRow struct {
	TableName string
	RowKey    string
	Parent    sql.NullString
	SortOrder sql.NullFloat64
	Kind      sql.NullString
	Doc       map[string]any
	UpdatedAt time.Time
}

// entityColumns matches scanEntityRow
const entityColumns = `table_name, row_key, parent, sort_order, kind, doc, updated_at`

func scanEntityRow(rows *sql.Rows) (EntityRow, error) {
	var row EntityRow
	var doc []byte
	err := rows.Scan(
		&row.TableName,
		&row.RowKey,
		&row.Parent,
		&row.SortOrder,
		&row.Kind,
		&doc,
		&row.UpdatedAt,
	)
	if err != nil {
		return row, serr.Wrap(err, "failed to scan entity row")
	}
	row.Doc, err = decodeDoc(doc)
	if err != nil {
		return row, err
	}
	return row, nil
}

// docString pulls a string field out of a document, tolerating absence
func docString(doc map[string]any, field string) (string, bool) {
	if doc == nil {
		return "", false
	}
	v, ok := doc[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// docFloat pulls a numeric field out of a document. Documents are
// normalized on decode, so int64 and float64 are the only numeric
// shapes that occur.
func docFloat(doc map[string]any, field string) (float64, bool) {
	if doc == nil {
		return 0, false
	}
	switch v := doc[field].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// UpsertRow writes the entity's current state. The indexed parent,
// sort_order and kind columns are derived from the document so they
// can never drift from it.
func (tx *Tx) UpsertRow(table, key string, doc map[string]any) error {
	data, err := encodeDoc(doc)
	if err != nil {
		return err
	}

	parent := sql.NullString{}
	if p, ok := docString(doc, "parent"); ok {
		parent = sql.NullString{String: p, Valid: true}
	}
	sortOrder := sql.NullFloat64{}
	if so, ok := docFloat(doc, "sort_order"); ok {
		sortOrder = sql.NullFloat64{Float64: so, Valid: true}
	}
	kind := sql.NullString{}
	if k, ok := docString(doc, "kind"); ok {
		kind = sql.NullString{String: k, Valid: true}
	}

	err = tx.Exec(`
		INSERT OR REPLACE INTO entity_rows (table_name, row_key, parent, sort_order, kind, doc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table, key, parent, sortOrder, kind, data, time.Now().UTC())
	if err != nil {
		return serr.Wrap(err, "failed to upsert entity row")
	}
	return nil
}

// DeleteRow removes the entity's materialized state. The change log
// still holds its history.
func (tx *Tx) DeleteRow(table, key string) error {
	err := tx.Exec(`DELETE FROM entity_rows WHERE table_name = ? AND row_key = ?`, table, key)
	if err != nil {
		return serr.Wrap(err, "failed to delete entity row")
	}
	return nil
}

// GetRow reads an entity inside the transaction, from the disk
// database, for pre-images that must be consistent with the write
// about to happen. Returns nil if the entity does not exist.
func (tx *Tx) GetRow(table, key string) (*EntityRow, error) {
	return getRowFrom(func(query string, args ...any) *sql.Row {
		return tx.QueryRow(query, args...)
	}, table, key)
}

// GetRow reads an entity outside any transaction, served from the
// memory projection when it is clean. Returns nil if the entity does
// not exist.
func (s *Store) GetRow(table, key string) (*EntityRow, error) {
	return getRowFrom(s.QueryRow, table, key)
}

func getRowFrom(queryRow func(string, ...any) *sql.Row, table, key string) (*EntityRow, error) {
	row := &EntityRow{}
	var doc []byte
	err := queryRow(`
		SELECT `+entityColumns+`
		FROM entity_rows
		WHERE table_name = ? AND row_key = ?`, table, key).Scan(
		&row.TableName,
		&row.RowKey,
		&row.Parent,
		&row.SortOrder,
		&row.Kind,
		&doc,
		&row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get entity row")
	}
	row.Doc, err = decodeDoc(doc)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// RowExists reports whether the entity is materialized locally
func (s *Store) RowExists(table, key string) (bool, error) {
	var n int
	err := s.QueryRow(`
		SELECT COUNT(*) FROM entity_rows
		WHERE table_name = ? AND row_key = ?`, table, key).Scan(&n)
	if err != nil {
		return false, serr.Wrap(err, "failed to check entity row")
	}
	return n > 0, nil
}

func (s *Store) collectRows(query string, args ...any) ([]EntityRow, error) {
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query entity rows")
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		row, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err = rows.Err(); err != nil {
		return nil, serr.Wrap(err, "error iterating entity rows")
	}
	return out, nil
}

// ListRows returns every entity in a table, keyed order
func (s *Store) ListRows(table string) ([]EntityRow, error) {
	return s.collectRows(`
		SELECT `+entityColumns+`
		FROM entity_rows
		WHERE table_name = ?
		ORDER BY row_key ASC`, table)
}

// ChildRows returns a node's children in sibling order
func (s *Store) ChildRows(table, parent string) ([]EntityRow, error) {
	return s.collectRows(`
		SELECT `+entityColumns+`
		FROM entity_rows
		WHERE table_name = ? AND parent = ?
		ORDER BY sort_order ASC, row_key ASC`, table, parent)
}

// CountRows returns the number of materialized entities per table
func (s *Store) CountRows(table string) (int64, error) {
	var n int64
	err := s.QueryRow(`
		SELECT COUNT(*) FROM entity_rows WHERE table_name = ?`, table).Scan(&n)
	if err != nil {
		return 0, serr.Wrap(err, "failed to count entity rows")
	}
	return n, nil
}
