package models

import "time"

// PeerSyncState tracks how far this node has synchronized with one peer.
// LastForwardSyncAt is the newest created_at already pulled moving toward the
// present; LastBackwardSyncAt is the oldest created_at already pulled while
// backfilling history. Rows are never deleted, so a peer that drops out of
// mesh range resumes from its old watermarks when it returns.
type PeerSyncState struct {
	NodeID             string `db:"peer_node_id" json:"node_id"`
	LastKnownIP        string `db:"last_known_ip" json:"last_known_ip"`
	LastForwardSyncAt  int64  `db:"last_forward_sync_at" json:"last_forward_sync_at"`
	LastBackwardSyncAt int64  `db:"last_backward_sync_at" json:"last_backward_sync_at"`
}

// SyncSummary aggregates the outcome of one sync cycle across all peers.
type SyncSummary struct {
	PeersFound     int      `json:"peers_found"`
	PeersAttempted int      `json:"peers_attempted"`
	PeersSynced    int      `json:"peers_synced"`
	ReportsPulled  int      `json:"total_reports_pulled"`
	ReportsSaved   int      `json:"total_reports_saved"`
	ReportsSkipped int      `json:"total_reports_skipped"`
	Messages       []string `json:"messages"`
	Errors         []string `json:"errors"`
}

// SchedulerStatus is a point-in-time snapshot of the background sync loop.
type SchedulerStatus struct {
	Enabled      bool       `json:"enabled"`
	Interval     string     `json:"interval"`
	Running      bool       `json:"running"`
	SyncCount    int64      `json:"sync_count"`
	LastSyncTime *time.Time `json:"last_sync_time"`
}
