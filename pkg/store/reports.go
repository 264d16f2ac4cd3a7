package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	"github.com/nexum-mesh/nexum-server/pkg/models"
)

var selectReports = `SELECT * FROM location_reports`

// ReportStore provides database operations for location reports. Storage is
// append-only: reports are immutable and keyed by id.
type ReportStore interface {
	// Insert persists a locally originated report. Fails on duplicate id.
	Insert(report *models.LocationReport) error
	// InsertIfAbsent persists the report unless one with the same id already
	// exists. Returns true if the report was stored, false if it was a
	// duplicate. Safe to call repeatedly with the same report.
	InsertIfAbsent(report *models.LocationReport) (bool, error)
	// QueryRange returns the reports originated by nodeID with
	// created_at in (sinceMs, untilMs], ascending by created_at.
	QueryRange(nodeID string, sinceMs, untilMs int64) ([]*models.LocationReport, error)
	// LatestPerEntity returns the most recent report for each entity,
	// optionally filtered by entity type ("" = all), newest first.
	LatestPerEntity(entityType models.EntityType, limit int) ([]*models.LocationReport, error)
	// EntityHistory returns reports for one entity newer than sinceMs
	// (0 = all), newest first.
	EntityHistory(entityID uuid.UUID, sinceMs int64, limit int) ([]*models.LocationReport, error)
}

type sqliteReportStore struct {
	db *sqlx.DB
	// seenIDs short-circuits duplicate offers without touching the database.
	// Misses fall through to ON CONFLICT DO NOTHING, so the cache is purely
	// an optimization and never the source of truth.
	seenIDs *ttlcache.Cache[string, struct{}]
}

// NewReportStore creates a new location report store.
func NewReportStore(dbconn *sqlx.DB) ReportStore {
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](15*time.Minute),
		ttlcache.WithCapacity[string, struct{}](8192),
	)
	go cache.Start()
	return &sqliteReportStore{db: dbconn, seenIDs: cache}
}

// reportRow is the flattened table representation of a LocationReport.
type reportRow struct {
	ID         string          `db:"id"`
	EntityType string          `db:"entity_type"`
	EntityID   string          `db:"entity_id"`
	NodeID     string          `db:"node_id"`
	Latitude   float64         `db:"latitude"`
	Longitude  float64         `db:"longitude"`
	Altitude   sql.NullFloat64 `db:"altitude"`
	Accuracy   sql.NullFloat64 `db:"accuracy"`
	CreatedAt  int64           `db:"created_at"`
	Metadata   sql.NullString  `db:"metadata"`
}

func toRow(r *models.LocationReport) (*reportRow, error) {
	row := &reportRow{
		ID:         r.ID.String(),
		EntityType: string(r.EntityType),
		EntityID:   r.EntityID.String(),
		NodeID:     r.NodeID,
		Latitude:   r.Position.Latitude,
		Longitude:  r.Position.Longitude,
		CreatedAt:  r.CreatedAt,
	}
	if r.Position.Altitude != nil {
		row.Altitude = sql.NullFloat64{Float64: *r.Position.Altitude, Valid: true}
	}
	if r.Position.Accuracy != nil {
		row.Accuracy = sql.NullFloat64{Float64: *r.Position.Accuracy, Valid: true}
	}
	if len(r.Metadata) > 0 {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for report %s: %w", r.ID, err)
		}
		row.Metadata = sql.NullString{String: string(raw), Valid: true}
	}
	return row, nil
}

func (row *reportRow) toModel() (*models.LocationReport, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("parse report id %q: %w", row.ID, err)
	}
	entityID, err := uuid.Parse(row.EntityID)
	if err != nil {
		return nil, fmt.Errorf("parse entity id %q: %w", row.EntityID, err)
	}
	r := &models.LocationReport{
		ID:         id,
		EntityType: models.EntityType(row.EntityType),
		EntityID:   entityID,
		NodeID:     row.NodeID,
		Position: models.GeoLocation{
			Latitude:  row.Latitude,
			Longitude: row.Longitude,
		},
		CreatedAt: row.CreatedAt,
		Metadata:  map[string]any{},
	}
	if row.Altitude.Valid {
		alt := row.Altitude.Float64
		r.Position.Altitude = &alt
	}
	if row.Accuracy.Valid {
		acc := row.Accuracy.Float64
		r.Position.Accuracy = &acc
	}
	if row.Metadata.Valid && row.Metadata.String != "" {
		if err := json.Unmarshal([]byte(row.Metadata.String), &r.Metadata); err != nil {
			// Unreadable metadata is not worth losing the position over.
			slog.Warn("discarding malformed report metadata", "report_id", row.ID, "error", err)
			r.Metadata = map[string]any{}
		}
	}
	return r, nil
}

var insertReport = `
	INSERT INTO location_reports (
		id, entity_type, entity_id, node_id,
		latitude, longitude, altitude, accuracy,
		created_at, metadata
	) VALUES (
		:id, :entity_type, :entity_id, :node_id,
		:latitude, :longitude, :altitude, :accuracy,
		:created_at, :metadata
	)`

func (s *sqliteReportStore) Insert(report *models.LocationReport) error {
	row, err := toRow(report)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExec(insertReport+";", row); err != nil {
		return err
	}
	s.seenIDs.Set(row.ID, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

func (s *sqliteReportStore) InsertIfAbsent(report *models.LocationReport) (bool, error) {
	row, err := toRow(report)
	if err != nil {
		return false, err
	}
	if s.seenIDs.Has(row.ID) {
		return false, nil
	}
	res, err := s.db.NamedExec(insertReport+" ON CONFLICT (id) DO NOTHING;", row)
	if err != nil {
		return false, err
	}
	s.seenIDs.Set(row.ID, struct{}{}, ttlcache.DefaultTTL)
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteReportStore) QueryRange(nodeID string, sinceMs, untilMs int64) ([]*models.LocationReport, error) {
	query := selectReports + ` WHERE node_id = ? AND created_at > ? AND created_at <= ? ORDER BY created_at ASC;`
	var rows []*reportRow
	if err := s.db.Select(&rows, query, nodeID, sinceMs, untilMs); err != nil {
		if err == sql.ErrNoRows {
			return []*models.LocationReport{}, nil
		}
		return nil, err
	}
	return rowsToModels(rows)
}

func (s *sqliteReportStore) LatestPerEntity(entityType models.EntityType, limit int) ([]*models.LocationReport, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*reportRow
	var err error
	if entityType != "" {
		query := `
		SELECT lr.* FROM location_reports lr
		INNER JOIN (
			SELECT entity_id, MAX(created_at) AS max_created_at
			FROM location_reports
			WHERE entity_type = ?
			GROUP BY entity_id
		) latest ON lr.entity_id = latest.entity_id AND lr.created_at = latest.max_created_at
		ORDER BY lr.created_at DESC
		LIMIT ?;`
		err = s.db.Select(&rows, query, string(entityType), limit)
	} else {
		query := `
		SELECT lr.* FROM location_reports lr
		INNER JOIN (
			SELECT entity_id, MAX(created_at) AS max_created_at
			FROM location_reports
			GROUP BY entity_id
		) latest ON lr.entity_id = latest.entity_id AND lr.created_at = latest.max_created_at
		ORDER BY lr.created_at DESC
		LIMIT ?;`
		err = s.db.Select(&rows, query, limit)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return []*models.LocationReport{}, nil
		}
		return nil, err
	}
	return rowsToModels(rows)
}

func (s *sqliteReportStore) EntityHistory(entityID uuid.UUID, sinceMs int64, limit int) ([]*models.LocationReport, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectReports + ` WHERE entity_id = ? AND created_at > ? ORDER BY created_at DESC LIMIT ?;`
	var rows []*reportRow
	if err := s.db.Select(&rows, query, entityID.String(), sinceMs, limit); err != nil {
		if err == sql.ErrNoRows {
			return []*models.LocationReport{}, nil
		}
		return nil, err
	}
	return rowsToModels(rows)
}

func rowsToModels(rows []*reportRow) ([]*models.LocationReport, error) {
	reports := make([]*models.LocationReport, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}
