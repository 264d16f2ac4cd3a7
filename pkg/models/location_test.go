package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLocationReportJSONKeys(t *testing.T) {
	alt := 12.0
	r := &LocationReport{
		ID:         uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		EntityType: EntityHazard,
		EntityID:   uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8"),
		NodeID:     "aa:bb:cc:dd:11:22",
		Position:   GeoLocation{Latitude: 59.3, Longitude: 18.0, Altitude: &alt},
		CreatedAt:  1700000000000,
		Metadata:   map[string]any{"severity": "high"},
	}

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	body := string(raw)

	// The JSON keys are the wire contract between nodes.
	for _, key := range []string{
		`"id"`, `"entity_type"`, `"entity_id"`, `"node_id"`,
		`"position"`, `"created_at"`, `"metadata"`,
		`"lat"`, `"lon"`, `"alt"`, `"accuracy"`,
	} {
		if !strings.Contains(body, key) {
			t.Errorf("encoded report missing key %s: %s", key, body)
		}
	}
	// Absent accuracy is null, never zero.
	if !strings.Contains(body, `"accuracy":null`) {
		t.Errorf("missing optional field must encode as null: %s", body)
	}
	if !strings.Contains(body, `"alt":12`) {
		t.Errorf("present altitude must encode its value: %s", body)
	}
}

func TestLocationReportJSONRoundTrip(t *testing.T) {
	in := NewLocationReport(EntityResponder, uuid.New(), "aa:bb:cc:dd:11:22",
		GeoLocation{Latitude: -33.9, Longitude: 151.2}, map[string]any{"unit": "sar-3"}, 42)

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out LocationReport
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if out.ID != in.ID || out.EntityID != in.EntityID {
		t.Errorf("ids changed across the wire: %+v vs %+v", out, in)
	}
	if out.CreatedAt != 42 {
		t.Errorf("CreatedAt = %d, want 42", out.CreatedAt)
	}
	if out.Position.Altitude != nil {
		t.Error("absent altitude must decode to nil, not 0")
	}
	if out.Metadata["unit"] != "sar-3" {
		t.Errorf("metadata lost: %v", out.Metadata)
	}
}

func TestEntityTypeValid(t *testing.T) {
	valid := []EntityType{EntityResponder, EntityCivilian, EntityIncident, EntityResource, EntityHazard}
	for _, et := range valid {
		if !et.Valid() {
			t.Errorf("%q should be valid", et)
		}
	}
	for _, et := range []EntityType{"", "drone", "RESPONDER"} {
		if et.Valid() {
			t.Errorf("%q should be invalid", et)
		}
	}
}

func TestValidate(t *testing.T) {
	good := NewLocationReport(EntityCivilian, uuid.New(), "aa:bb:cc:dd:11:22", GeoLocation{}, nil, 0)
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate failed on a well-formed report: %v", err)
	}
	if good.CreatedAt <= 0 {
		t.Error("factory must default created_at to now")
	}

	tests := []struct {
		name   string
		mutate func(*LocationReport)
	}{
		{"missing_id", func(r *LocationReport) { r.ID = uuid.Nil }},
		{"bad_entity_type", func(r *LocationReport) { r.EntityType = "ghost" }},
		{"missing_entity_id", func(r *LocationReport) { r.EntityID = uuid.Nil }},
		{"missing_node_id", func(r *LocationReport) { r.NodeID = "" }},
		{"missing_created_at", func(r *LocationReport) { r.CreatedAt = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewLocationReport(EntityCivilian, uuid.New(), "aa:bb:cc:dd:11:22", GeoLocation{}, nil, 0)
			tt.mutate(r)
			if err := r.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}
