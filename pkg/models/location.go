package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType classifies what a location report is tracking.
type EntityType string

const (
	EntityResponder EntityType = "responder"
	EntityCivilian  EntityType = "civilian"
	EntityIncident  EntityType = "incident"
	EntityResource  EntityType = "resource"
	EntityHazard    EntityType = "hazard"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityResponder, EntityCivilian, EntityIncident, EntityResource, EntityHazard:
		return true
	}
	return false
}

// GeoLocation is a geographic position. Altitude and Accuracy are optional;
// nil means "not reported" (0 is a valid altitude).
type GeoLocation struct {
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Altitude  *float64 `json:"alt"`
	Accuracy  *float64 `json:"accuracy"`
}

// LocationReport is a single immutable position report for a tracked entity.
// Identity is ID; reports are never updated or deleted. NodeID is the mesh
// node that originally recorded the report and is preserved as-is when the
// report is replicated to other nodes.
type LocationReport struct {
	ID         uuid.UUID      `json:"id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   uuid.UUID      `json:"entity_id"`
	NodeID     string         `json:"node_id"`
	Position   GeoLocation    `json:"position"`
	CreatedAt  int64          `json:"created_at"`
	Metadata   map[string]any `json:"metadata"`
}

// Validate checks the fields a report must carry before it is stored or
// served to peers.
func (r *LocationReport) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("location report: missing id")
	}
	if !r.EntityType.Valid() {
		return fmt.Errorf("location report %s: unknown entity type %q", r.ID, r.EntityType)
	}
	if r.EntityID == uuid.Nil {
		return fmt.Errorf("location report %s: missing entity id", r.ID)
	}
	if r.NodeID == "" {
		return fmt.Errorf("location report %s: missing node id", r.ID)
	}
	if r.CreatedAt <= 0 {
		return fmt.Errorf("location report %s: missing created_at", r.ID)
	}
	return nil
}

// NewLocationReport creates a report originating on the given node. A fresh
// report id is assigned; createdAt <= 0 means "now".
func NewLocationReport(entityType EntityType, entityID uuid.UUID, nodeID string, pos GeoLocation, metadata map[string]any, createdAt int64) *LocationReport {
	if createdAt <= 0 {
		createdAt = time.Now().UTC().UnixMilli()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &LocationReport{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		NodeID:     nodeID,
		Position:   pos,
		CreatedAt:  createdAt,
		Metadata:   metadata,
	}
}
