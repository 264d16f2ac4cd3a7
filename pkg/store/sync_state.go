package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/nexum-mesh/nexum-server/pkg/models"
)

var selectSyncLog = `SELECT * FROM sync_log`

// SyncStateStore persists per-peer sync watermarks. Rows are created the
// first time a peer becomes visible and are never deleted.
type SyncStateStore interface {
	// GetWatermarks returns the forward and backward watermarks for a peer,
	// or (0, 0) if the peer has no row yet.
	GetWatermarks(nodeID string) (forwardAt, backwardAt int64, err error)
	// EnsureInitialized creates the peer's row with both watermarks set to
	// nowMs if it does not exist. An existing row keeps its watermarks; only
	// the cached last-known address is refreshed.
	EnsureInitialized(nodeID, ip string, nowMs int64) error
	// SetWatermarks upserts both watermarks for a peer in one statement.
	SetWatermarks(nodeID string, forwardAt, backwardAt int64) error
	// GetAll returns the sync state of every peer ever seen.
	GetAll() ([]*models.PeerSyncState, error)
}

type sqliteSyncStateStore struct {
	db *sqlx.DB
}

// NewSyncStateStore creates a new peer sync state store.
func NewSyncStateStore(dbconn *sqlx.DB) SyncStateStore {
	return &sqliteSyncStateStore{db: dbconn}
}

func (s *sqliteSyncStateStore) GetWatermarks(nodeID string) (int64, int64, error) {
	query := selectSyncLog + " WHERE peer_node_id = ?;"
	var state models.PeerSyncState
	err := s.db.Get(&state, query, nodeID)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return state.LastForwardSyncAt, state.LastBackwardSyncAt, nil
}

func (s *sqliteSyncStateStore) EnsureInitialized(nodeID, ip string, nowMs int64) error {
	stmt := `
	INSERT INTO sync_log (peer_node_id, last_known_ip, last_forward_sync_at, last_backward_sync_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (peer_node_id)
	DO UPDATE SET last_known_ip = excluded.last_known_ip;`

	_, err := s.db.Exec(stmt, nodeID, ip, nowMs, nowMs)
	return err
}

func (s *sqliteSyncStateStore) SetWatermarks(nodeID string, forwardAt, backwardAt int64) error {
	stmt := `
	INSERT INTO sync_log (peer_node_id, last_forward_sync_at, last_backward_sync_at)
	VALUES (?, ?, ?)
	ON CONFLICT (peer_node_id)
	DO UPDATE SET
		last_forward_sync_at = excluded.last_forward_sync_at,
		last_backward_sync_at = excluded.last_backward_sync_at;`

	_, err := s.db.Exec(stmt, nodeID, forwardAt, backwardAt)
	return err
}

func (s *sqliteSyncStateStore) GetAll() ([]*models.PeerSyncState, error) {
	query := selectSyncLog + " ORDER BY peer_node_id;"
	states := []*models.PeerSyncState{}
	err := s.db.Select(&states, query)
	if err == sql.ErrNoRows {
		return []*models.PeerSyncState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return states, nil
}
