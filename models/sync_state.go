package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// SyncIdentity is the single sync_state row: this workspace's durable
// client id and the highest hub change sequence already applied here.
// The client id must be stable across restarts. It is the source tag on
// every change this workspace appends, and the hub uses it to exclude a
// workspace's own changes from its pull feed.
type SyncIdentity struct {
	ClientID      string
	LastRemoteSeq int64
	UpdatedAt     time.Time
}

// LoadSyncIdentity reads the workspace identity, creating one with a
// fresh client id on first run.
func LoadSyncIdentity(s *Store) (*SyncIdentity, error) {
	ident := &SyncIdentity{}
	err := s.QueryRowDisk(
		`SELECT client_id, last_remote_seq, updated_at FROM sync_state WHERE id = 1`,
	).Scan(&ident.ClientID, &ident.LastRemoteSeq, &ident.UpdatedAt)

	if err == sql.ErrNoRows {
		ident.ClientID = uuid.New().String()
		ident.UpdatedAt = time.Now().UTC()
		err = s.WriteThrough(
			`INSERT INTO sync_state (id, client_id, last_remote_seq, updated_at) VALUES (1, ?, 0, ?)`,
			ident.ClientID, ident.UpdatedAt)
		if err != nil {
			return nil, serr.Wrap(err, "failed to create sync identity")
		}
		logger.Info("Created workspace identity", "client_id", ident.ClientID)
		return ident, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to load sync identity")
	}
	return ident, nil
}

// SaveRemoteCursor persists the highest hub sequence applied locally, so
// a restarted workspace resumes its pull from where it left off.
func SaveRemoteCursor(s *Store, seq int64) error {
	err := s.WriteThrough(
		`UPDATE sync_state SET last_remote_seq = ?, updated_at = ? WHERE id = 1`,
		seq, time.Now().UTC())
	if err != nil {
		return serr.Wrap(err, "failed to save remote cursor")
	}
	return nil
}

// RemoteCursor reads the persisted pull position.
func RemoteCursor(s *Store) (int64, error) {
	var seq int64
	err := s.QueryRowDisk(`SELECT last_remote_seq FROM sync_state WHERE id = 1`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, serr.Wrap(err, "failed to read remote cursor")
	}
	return seq, nil
}
