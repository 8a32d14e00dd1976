package models

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Store
//
// Dual-database local store: a disk DuckDB file is the durable source of
// truth, an in-memory DuckDB mirrors it as the read projection. Writes land
// on disk first, then on memory; a memory failure marks the cache dirty and
// a background worker rebuilds it from disk. Reads are served from memory
// with a disk fallback.
// ============================================================================

// cacheResyncInterval is how often the worker checks for a dirty cache.
const cacheResyncInterval = 5 * time.Minute

// Store owns both database handles and their lifecycle. All mutation flows
// through Begin/WriteThrough; nothing else writes the handles directly.
type Store struct {
	disk *sql.DB
	mem  *sql.DB
	path string
	mu   sync.RWMutex

	cacheMu    sync.Mutex
	cacheDirty bool

	handlerMu sync.Mutex
	onCommit  []func()

	done chan struct{}
	wg   sync.WaitGroup
}

// OpenStore opens the disk database at path, builds the in-memory
// projection, migrates both, and starts the cache consistency worker.
func OpenStore(path string) (*Store, error) {
	disk, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, serr.Wrap(err, "failed to open disk database")
	}

	// Empty DSN gives DuckDB an in-memory database.
	mem, err := sql.Open("duckdb", "")
	if err != nil {
		disk.Close()
		return nil, serr.Wrap(err, "failed to open memory database")
	}

	s := &Store{
		disk: disk,
		mem:  mem,
		path: path,
		done: make(chan struct{}),
	}

	if err := migrateDB(disk); err != nil {
		s.closeHandles()
		return nil, serr.Wrap(err, "disk migration failed")
	}
	if err := migrateDB(mem); err != nil {
		s.closeHandles()
		return nil, serr.Wrap(err, "memory migration failed")
	}

	if err := s.loadCache(); err != nil {
		s.closeHandles()
		return nil, serr.Wrap(err, "failed to load memory cache")
	}

	s.wg.Add(1)
	go s.cacheWorker()

	return s, nil
}

// Close stops the cache worker and closes both databases.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	s.closeHandles()
	return nil
}

func (s *Store) closeHandles() {
	if s.mem != nil {
		s.mem.Close()
	}
	if s.disk != nil {
		s.disk.Close()
	}
}

// OnCommit registers a handler invoked after every successful commit or
// write-through. Handlers must not block; the sync engine uses one to wake
// its drain loop.
func (s *Store) OnCommit(fn func()) {
	s.handlerMu.Lock()
	s.onCommit = append(s.onCommit, fn)
	s.handlerMu.Unlock()
}

func (s *Store) notifyCommit() {
	s.handlerMu.Lock()
	handlers := make([]func(), len(s.onCommit))
	copy(handlers, s.onCommit)
	s.handlerMu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// WriteThrough executes a single statement on disk, then on memory. A
// memory failure is logged and marks the cache dirty; the write still
// succeeds because disk is authoritative.
func (s *Store) WriteThrough(query string, args ...any) error {
	s.mu.Lock()

	if _, err := s.disk.Exec(query, args...); err != nil {
		s.mu.Unlock()
		return serr.Wrap(err, "failed to write to disk")
	}

	if _, err := s.mem.Exec(query, args...); err != nil {
		logger.LogErr(err, "failed to update memory cache")
		s.markCacheDirty()
	}

	s.mu.Unlock()
	s.notifyCommit()
	return nil
}

// Query reads from the memory projection, falling back to disk when the
// cache cannot serve the query.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.mem.Query(query, args...)
	if err != nil {
		logger.LogErr(err, "cache read failed, falling back to disk")
		return s.disk.Query(query, args...)
	}
	return rows, nil
}

// QueryRow reads a single row from the memory projection.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.QueryRow(query, args...)
}

// QueryDisk reads from the durable database. The change log is always read
// from disk: sync state transitions must never be decided from a possibly
// stale cache.
func (s *Store) QueryDisk(query string, args ...any) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disk.Query(query, args...)
}

// QueryRowDisk reads a single row from the durable database.
func (s *Store) QueryRowDisk(query string, args ...any) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disk.QueryRow(query, args...)
}

// ============================================================================
// Dual transaction
// ============================================================================

// Tx is a transaction spanning both databases. Disk is authoritative: a
// disk failure aborts, a memory failure only dirties the cache. The store
// mutex is held from Begin until Commit or Rollback.
type Tx struct {
	s         *Store
	disk      *sql.Tx
	mem       *sql.Tx
	committed bool
}

// Begin starts a transaction on both databases.
func (s *Store) Begin() (*Tx, error) {
	s.mu.Lock()

	diskTx, err := s.disk.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, serr.Wrap(err, "failed to begin disk transaction")
	}

	memTx, err := s.mem.Begin()
	if err != nil {
		diskTx.Rollback()
		s.mu.Unlock()
		return nil, serr.Wrap(err, "failed to begin memory transaction")
	}

	return &Tx{s: s, disk: diskTx, mem: memTx}, nil
}

// Exec runs the same statement on both transactions.
func (tx *Tx) Exec(query string, args ...any) error {
	if _, err := tx.disk.Exec(query, args...); err != nil {
		return err
	}
	if _, err := tx.mem.Exec(query, args...); err != nil {
		logger.LogErr(err, "memory tx exec failed")
		tx.s.markCacheDirty()
	}
	return nil
}

// QueryRow queries inside the disk transaction. Used for statements whose
// result feeds later statements, e.g. INSERT ... RETURNING sequence.
func (tx *Tx) QueryRow(query string, args ...any) *sql.Row {
	return tx.disk.QueryRow(query, args...)
}

// ExecMem runs a statement on the memory transaction only. Used to mirror a
// disk statement whose generated values must be pinned rather than
// regenerated, like sequence numbers.
func (tx *Tx) ExecMem(query string, args ...any) {
	if _, err := tx.mem.Exec(query, args...); err != nil {
		logger.LogErr(err, "memory tx exec failed")
		tx.s.markCacheDirty()
	}
}

// Commit commits disk first, then memory, then fires commit handlers.
func (tx *Tx) Commit() error {
	var commitErr error

	func() {
		defer func() {
			tx.committed = true
			tx.s.mu.Unlock()
		}()

		if err := tx.disk.Commit(); err != nil {
			tx.mem.Rollback()
			commitErr = serr.Wrap(err, "failed to commit disk transaction")
			return
		}

		if err := tx.mem.Commit(); err != nil {
			logger.LogErr(err, "failed to commit memory transaction")
			tx.s.markCacheDirty()
		}
	}()

	if commitErr != nil {
		return commitErr
	}

	tx.s.notifyCommit()
	return nil
}

// Rollback aborts both transactions. Safe to defer after Commit.
func (tx *Tx) Rollback() error {
	if tx.committed {
		return nil
	}
	defer tx.s.mu.Unlock()
	tx.committed = true

	tx.disk.Rollback()
	tx.mem.Rollback()
	return nil
}

// ============================================================================
// Cache consistency
// ============================================================================

func (s *Store) markCacheDirty() {
	s.cacheMu.Lock()
	s.cacheDirty = true
	s.cacheMu.Unlock()
}

func (s *Store) isCacheDirty() bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheDirty
}

// cacheWorker periodically rebuilds the memory projection after a failed
// mirror write.
func (s *Store) cacheWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(cacheResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.isCacheDirty() {
				continue
			}
			logger.Info("Cache marked dirty, resyncing from disk")
			if err := s.resyncCache(); err != nil {
				logger.LogErr(err, "failed to resync cache")
				continue
			}
			s.cacheMu.Lock()
			s.cacheDirty = false
			s.cacheMu.Unlock()
		}
	}
}

// loadCache populates the memory projection from disk at startup.
func (s *Store) loadCache() error {
	// ATTACH copies whole tables in one statement. Fall back to row-wise
	// copy when the attach path is unavailable.
	query := `
		ATTACH '` + s.path + `' AS disk_db (READ_ONLY);
		INSERT OR IGNORE INTO entity_rows SELECT * FROM disk_db.entity_rows;
		INSERT OR IGNORE INTO change_log SELECT * FROM disk_db.change_log;
		INSERT OR IGNORE INTO users SELECT * FROM disk_db.users;
		INSERT OR IGNORE INTO sync_state SELECT * FROM disk_db.sync_state;
		DETACH disk_db;
	`

	if _, err := s.mem.Exec(query); err != nil {
		logger.LogErr(err, "ATTACH failed, falling back to manual copy")
		return s.copyTables()
	}
	return nil
}

// resyncCache clears the memory projection and reloads it from disk.
func (s *Store) resyncCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range storeTables {
		_, _ = s.mem.Exec("DELETE FROM " + table)
	}
	return s.copyTables()
}

// copyTables copies every store table from disk to memory row by row.
func (s *Store) copyTables() error {
	for _, table := range storeTables {
		rows, err := s.disk.Query("SELECT * FROM " + table)
		if err != nil {
			logger.LogErr(err, "failed to read from disk", "table", table)
			continue
		}

		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			continue
		}

		placeholders := ""
		for i := range cols {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
		}

		stmt, err := s.mem.Prepare("INSERT OR IGNORE INTO " + table + " VALUES (" + placeholders + ")")
		if err != nil {
			rows.Close()
			logger.LogErr(err, "failed to prepare cache insert", "table", table)
			continue
		}

		values := make([]any, len(cols))
		valuePtrs := make([]any, len(cols))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		for rows.Next() {
			if err := rows.Scan(valuePtrs...); err != nil {
				continue
			}
			if _, err := stmt.Exec(values...); err != nil {
				logger.LogErr(err, "failed to insert into cache", "table", table)
			}
		}

		stmt.Close()
		rows.Close()
	}

	return nil
}
