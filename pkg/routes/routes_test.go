package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nexum-mesh/nexum-server/pkg/config"
	"github.com/nexum-mesh/nexum-server/pkg/mesh"
	"github.com/nexum-mesh/nexum-server/pkg/models"
	"github.com/nexum-mesh/nexum-server/pkg/store"
	"github.com/nexum-mesh/nexum-server/pkg/syncer"
	"github.com/stretchr/testify/require"
)

const localNode = "aa:aa:aa:aa:aa:aa"

type emptyClient struct{}

func (emptyClient) Pull(context.Context, string, int64, int64) ([]*models.LocationReport, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (*SyncRouter, *store.Stores) {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))

	storage := &store.Stores{
		Reports:   store.NewReportStore(db),
		SyncState: store.NewSyncStateStore(db),
	}

	identity := mesh.StaticIdentity(localNode)
	discovery := mesh.StaticDiscovery{}
	coordinator := syncer.NewCoordinator(discovery, emptyClient{}, storage.Reports, storage.SyncState)
	scheduler := syncer.NewScheduler(coordinator, 0)

	cfg := &config.Configuration{}
	router := NewSyncRouter(cfg, storage, identity, discovery, coordinator)
	router.SetScheduler(scheduler)
	return router, storage
}

func getJSON(t *testing.T, srv *httptest.Server, path string) map[string]any {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func seedReport(t *testing.T, storage *store.Stores, nodeID string, createdAt int64) *models.LocationReport {
	t.Helper()
	r := models.NewLocationReport(models.EntityResponder, uuid.New(), nodeID,
		models.GeoLocation{Latitude: 59.3, Longitude: 18.0}, nil, createdAt)
	require.NoError(t, storage.Reports.Insert(r))
	return r
}

func TestGetSyncDataServesOwnReportsInRange(t *testing.T) {
	router, storage := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	seedReport(t, storage, localNode, 1000)  // at since: excluded
	mid := seedReport(t, storage, localNode, 1500)
	edge := seedReport(t, storage, localNode, 2000) // at until: included
	seedReport(t, storage, "bb:bb:bb:bb:bb:bb", 1500) // replica of a peer's report: not ours to serve

	body := getJSON(t, srv, "/api/sync?since=1000&until=2000")
	require.Equal(t, "success", body["status"])
	require.EqualValues(t, 2, body["count"])

	data := body["data"].([]any)
	require.Len(t, data, 2)
	first := data[0].(map[string]any)
	second := data[1].(map[string]any)
	require.Equal(t, mid.ID.String(), first["id"])
	require.Equal(t, edge.ID.String(), second["id"])
	require.Equal(t, localNode, first["node_id"])
}

func TestGetSyncDataRejectsBadParams(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/sync?since=zebra")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "error", body["status"])
}

func TestTriggerSyncEmptyMesh(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "success", body["status"])
	require.EqualValues(t, 0, body["peers_found"])
	require.Empty(t, body["errors"])
}

func TestCreateAndListLocations(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	entityID := uuid.New()
	payload := map[string]any{
		"entity_type": "hazard",
		"entity_id":   entityID.String(),
		"position":    map[string]any{"lat": 59.31, "lon": 18.06, "alt": nil, "accuracy": 8.0},
		"metadata":    map[string]any{"kind": "flooding"},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := srv.Client().Post(srv.URL+"/api/locations", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	data := created["data"].(map[string]any)
	require.Equal(t, localNode, data["node_id"], "reports are tagged with the local node id")
	require.NotEmpty(t, data["id"])

	body := getJSON(t, srv, "/api/locations?entity_type=hazard")
	require.EqualValues(t, 1, body["count"])

	history := getJSON(t, srv, fmt.Sprintf("/api/locations/%s/history", entityID))
	require.EqualValues(t, 1, history["count"])
}

func TestCreateLocationRejectsUnknownEntityType(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	raw := []byte(`{"entity_type":"dragon","entity_id":"` + uuid.NewString() + `","position":{"lat":1,"lon":2}}`)
	resp, err := srv.Client().Post(srv.URL+"/api/locations", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncPeersListsWatermarks(t *testing.T) {
	router, storage := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	require.NoError(t, storage.SyncState.EnsureInitialized("bb:bb:bb:bb:bb:bb", "169.254.187.187", 5000))

	body := getJSON(t, srv, "/api/sync/peers")
	require.EqualValues(t, 1, body["count"])
	row := body["data"].([]any)[0].(map[string]any)
	require.Equal(t, "bb:bb:bb:bb:bb:bb", row["node_id"])
	require.EqualValues(t, 5000, row["last_forward_sync_at"])
}

func TestSyncStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	body := getJSON(t, srv, "/api/sync/status")
	require.Equal(t, "success", body["status"])
	scheduler := body["scheduler"].(map[string]any)
	require.Equal(t, false, scheduler["enabled"])
}

func TestClusterInfo(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	body := getJSON(t, srv, "/api/cluster/info")
	require.Equal(t, localNode, body["node_id"])
}
