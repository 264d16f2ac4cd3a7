package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nexum-mesh/nexum-server/pkg/config"
	"github.com/nexum-mesh/nexum-server/pkg/mesh"
	"github.com/nexum-mesh/nexum-server/pkg/models"
	"github.com/nexum-mesh/nexum-server/pkg/store"
	"github.com/nexum-mesh/nexum-server/pkg/syncer"
)

// SyncRouter serves the node's HTTP API: the sync-data endpoint peers pull
// from, sync triggering/observability, and the local location report API.
type SyncRouter struct {
	config      *config.Configuration
	storage     *store.Stores
	identity    mesh.Identity
	discovery   mesh.PeerDiscovery
	coordinator *syncer.Coordinator
	scheduler   *syncer.Scheduler
	Notifier    *SyncNotifier
}

// NewSyncRouter wires the router with its collaborators. The scheduler is
// attached afterwards with SetScheduler because it is built around the
// router's notifier.
func NewSyncRouter(cfg *config.Configuration, storage *store.Stores, identity mesh.Identity, discovery mesh.PeerDiscovery, coordinator *syncer.Coordinator) *SyncRouter {
	return &SyncRouter{
		config:      cfg,
		storage:     storage,
		identity:    identity,
		discovery:   discovery,
		coordinator: coordinator,
		Notifier:    NewSyncNotifier(),
	}
}

// SetScheduler attaches the background scheduler after construction. The
// scheduler needs the router's notifier for its cycle callback, so the two
// are wired in stages.
func (sr *SyncRouter) SetScheduler(s *syncer.Scheduler) {
	sr.scheduler = s
}

// Handler builds the route table.
func (sr *SyncRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/api/sync", sr.getSyncData).Methods("GET")
	myRouter.HandleFunc("/api/sync", sr.triggerSync).Methods("POST")
	myRouter.HandleFunc("/api/sync/status", sr.syncStatus).Methods("GET")
	myRouter.HandleFunc("/api/sync/peers", sr.syncPeers).Methods("GET")
	myRouter.HandleFunc("/api/sync/events", sr.syncEventsSSE).Methods("GET")
	myRouter.HandleFunc("/api/locations", sr.createLocation).Methods("POST")
	myRouter.HandleFunc("/api/locations", sr.latestLocations).Methods("GET")
	myRouter.HandleFunc("/api/locations/{entity_id}/history", sr.entityHistory).Methods("GET")
	myRouter.HandleFunc("/api/cluster/info", sr.clusterInfo).Methods("GET")

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)
	h := handlers.RecoveryHandler()
	return h(myRouter)
}

func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"status":  "error",
		"message": fmt.Sprintf(format, args...),
	})
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %q", name, raw)
	}
	return v, nil
}

// getSyncData serves this node's own reports in (since, until] for peers to
// pull. The bounds are the wire contract: since exclusive, until inclusive.
func (sr *SyncRouter) getSyncData(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt64(r, "since", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	until, err := queryInt64(r, "until", time.Now().UTC().UnixMilli())
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	nodeID, err := sr.identity.NodeID(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot resolve node id: %v", err)
		return
	}

	reports, err := sr.storage.Reports.QueryRange(nodeID, since, until)
	if err != nil {
		slog.Error("error querying sync data", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"count":  len(reports),
		"data":   reports,
	})
}

type syncResponse struct {
	Status string `json:"status"`
	*models.SyncSummary
}

// triggerSync runs one sync cycle against all visible peers.
func (sr *SyncRouter) triggerSync(w http.ResponseWriter, r *http.Request) {
	summary := sr.coordinator.SyncAll(r.Context())
	sr.Notifier.Notify(summary)
	writeJSON(w, http.StatusOK, syncResponse{Status: "success", SyncSummary: summary})
}

func (sr *SyncRouter) syncStatus(w http.ResponseWriter, r *http.Request) {
	if sr.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "sync scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"scheduler": sr.scheduler.Status(),
	})
}

func (sr *SyncRouter) syncPeers(w http.ResponseWriter, r *http.Request) {
	states, err := sr.storage.SyncState.GetAll()
	if err != nil {
		slog.Error("error querying sync state", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"count":  len(states),
		"data":   states,
	})
}

type createLocationRequest struct {
	EntityType models.EntityType  `json:"entity_type"`
	EntityID   uuid.UUID          `json:"entity_id"`
	Position   models.GeoLocation `json:"position"`
	CreatedAt  int64              `json:"created_at"`
	Metadata   map[string]any     `json:"metadata"`
}

// createLocation records a report originated by this node.
func (sr *SyncRouter) createLocation(w http.ResponseWriter, r *http.Request) {
	var req createLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	nodeID, err := sr.identity.NodeID(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot resolve node id: %v", err)
		return
	}

	report := models.NewLocationReport(req.EntityType, req.EntityID, nodeID, req.Position, req.Metadata, req.CreatedAt)
	if err := report.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := sr.storage.Reports.Insert(report); err != nil {
		slog.Error("error storing location report", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "success",
		"data":   report,
	})
}

// latestLocations returns the newest report per entity.
func (sr *SyncRouter) latestLocations(w http.ResponseWriter, r *http.Request) {
	entityType := models.EntityType(r.URL.Query().Get("entity_type"))
	if entityType != "" && !entityType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown entity type %q", entityType)
		return
	}
	limit, err := queryInt64(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	reports, err := sr.storage.Reports.LatestPerEntity(entityType, int(limit))
	if err != nil {
		slog.Error("error querying latest locations", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"count":  len(reports),
		"data":   reports,
	})
}

// entityHistory returns one entity's reports, newest first.
func (sr *SyncRouter) entityHistory(w http.ResponseWriter, r *http.Request) {
	entityID, err := uuid.Parse(mux.Vars(r)["entity_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity id: %v", err)
		return
	}
	since, err := queryInt64(r, "since", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	limit, err := queryInt64(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	reports, err := sr.storage.Reports.EntityHistory(entityID, since, int(limit))
	if err != nil {
		slog.Error("error querying entity history", "error", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"count":  len(reports),
		"data":   reports,
	})
}

// clusterInfo reports the local node id and the peers visible right now.
func (sr *SyncRouter) clusterInfo(w http.ResponseWriter, r *http.Request) {
	nodeID, err := sr.identity.NodeID(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot resolve node id: %v", err)
		return
	}
	peers, err := sr.discovery.Peers(r.Context())
	if err != nil {
		peers = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"node_id": nodeID,
		"peers":   peers,
	})
}
