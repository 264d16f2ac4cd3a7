package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nexum-mesh/nexum-server/pkg/mesh"
	"github.com/nexum-mesh/nexum-server/pkg/models"
	"golang.org/x/sync/errgroup"
)

// DefaultWindow is how much time one pull covers in either direction.
const DefaultWindow = 30 * time.Minute

// ReportSink is the slice of the report store the sync core writes through.
type ReportSink interface {
	InsertIfAbsent(report *models.LocationReport) (inserted bool, err error)
}

// StateStore is the watermark persistence the coordinator drives.
type StateStore interface {
	GetWatermarks(nodeID string) (forwardAt, backwardAt int64, err error)
	EnsureInitialized(nodeID, ip string, nowMs int64) error
	SetWatermarks(nodeID string, forwardAt, backwardAt int64) error
}

// Coordinator runs bidirectional incremental sync against every visible mesh
// peer. Each cycle performs one forward-window and one backward-window pull
// per peer and advances that peer's watermarks. Failures are isolated per
// peer: nothing that happens on one peer's sync path affects another peer or
// escapes the cycle.
type Coordinator struct {
	discovery mesh.PeerDiscovery
	client    Client
	reports   ReportSink
	syncState StateStore
	clock     clockwork.Clock

	// window is the span of a single forward or backward pull.
	window time.Duration
	// parallelism bounds concurrent per-peer fan-out.
	parallelism int
}

// CoordinatorOpt configures a Coordinator.
type CoordinatorOpt func(*Coordinator)

// WithWindow overrides the sync window duration.
func WithWindow(w time.Duration) CoordinatorOpt {
	return func(c *Coordinator) {
		if w > 0 {
			c.window = w
		}
	}
}

// WithParallelism bounds concurrent peers per cycle.
func WithParallelism(n int) CoordinatorOpt {
	return func(c *Coordinator) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithClock injects a clock, for tests.
func WithClock(clock clockwork.Clock) CoordinatorOpt {
	return func(c *Coordinator) { c.clock = clock }
}

// NewCoordinator wires a sync coordinator from its collaborators.
func NewCoordinator(discovery mesh.PeerDiscovery, client Client, reports ReportSink, syncState StateStore, opts ...CoordinatorOpt) *Coordinator {
	c := &Coordinator{
		discovery:   discovery,
		client:      client,
		reports:     reports,
		syncState:   syncState,
		clock:       clockwork.NewRealClock(),
		window:      DefaultWindow,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// summaryCollector accumulates per-peer results under a lock.
type summaryCollector struct {
	mu      sync.Mutex
	summary models.SyncSummary
}

func (sc *summaryCollector) add(res peerResult) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.summary.PeersAttempted++
	sc.summary.ReportsPulled += res.pulled
	sc.summary.ReportsSaved += res.saved
	sc.summary.ReportsSkipped += res.skipped
	sc.summary.Messages = append(sc.summary.Messages, res.message)
	sc.summary.Errors = append(sc.summary.Errors, res.errors...)
	if len(res.errors) == 0 {
		sc.summary.PeersSynced++
	}
}

type peerResult struct {
	pulled, saved, skipped int
	message                string
	errors                 []string
}

// SyncAll runs one sync cycle and returns its summary. It never returns an
// error: a cycle degrades, it does not fail.
func (c *Coordinator) SyncAll(ctx context.Context) *models.SyncSummary {
	collector := &summaryCollector{
		summary: models.SyncSummary{Messages: []string{}, Errors: []string{}},
	}

	peers, err := c.discovery.Peers(ctx)
	if err != nil {
		// Discovery degrades to zero peers rather than failing the cycle.
		slog.Warn("sync cycle: peer discovery unavailable", "error", err)
		return &collector.summary
	}
	collector.summary.PeersFound = len(peers)
	if len(peers) == 0 {
		return &collector.summary
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.parallelism)
	for mac, ip := range peers {
		eg.Go(func() error {
			collector.add(c.syncPeer(egCtx, mac, ip))
			// Peer failures are collected, never propagated: one bad peer
			// must not cancel the others.
			return nil
		})
	}
	eg.Wait()

	s := &collector.summary
	slog.Info("sync cycle finished",
		"peers_found", s.PeersFound,
		"peers_synced", s.PeersSynced,
		"reports_pulled", s.ReportsPulled,
		"reports_saved", s.ReportsSaved,
		"reports_skipped", s.ReportsSkipped,
		"errors", len(s.Errors))
	return s
}

// syncPeer performs both directional pulls for one peer and writes the
// watermark pair once, so a partially updated pair is never visible.
func (c *Coordinator) syncPeer(ctx context.Context, nodeID, ip string) peerResult {
	res := peerResult{}
	fail := func(format string, args ...any) peerResult {
		msg := fmt.Sprintf(format, args...)
		res.errors = append(res.errors, msg)
		res.message = fmt.Sprintf("Peer %s (%s): %s", nodeID, ip, msg)
		return res
	}

	now := c.clock.Now().UTC().UnixMilli()
	if err := c.syncState.EnsureInitialized(nodeID, ip, now); err != nil {
		slog.Error("sync: cannot initialize peer state", "peer", nodeID, "error", err)
		return fail("sync state unavailable: %v", err)
	}
	fwd, bwd, err := c.syncState.GetWatermarks(nodeID)
	if err != nil {
		slog.Error("sync: cannot read watermarks", "peer", nodeID, "error", err)
		return fail("sync state unavailable: %v", err)
	}

	newFwd := c.pullForward(ctx, nodeID, ip, fwd, now, &res)
	newBwd := c.pullBackward(ctx, nodeID, ip, bwd, &res)

	if newFwd != fwd || newBwd != bwd {
		if err := c.syncState.SetWatermarks(nodeID, newFwd, newBwd); err != nil {
			slog.Error("sync: cannot persist watermarks", "peer", nodeID, "error", err)
			res.errors = append(res.errors, fmt.Sprintf("persist watermarks: %v", err))
		}
	}

	if res.message == "" {
		res.message = fmt.Sprintf("Peer %s (%s): pulled %d reports (%d saved, %d duplicates)",
			nodeID, ip, res.pulled, res.saved, res.skipped)
	}
	return res
}

// pullForward pulls (fwd, min(fwd+window, now)] and returns the new forward
// watermark. Capping the window at now keeps the watermark out of the
// future: a record published later inside a once-empty window is still in
// range next cycle.
func (c *Coordinator) pullForward(ctx context.Context, nodeID, ip string, fwd, now int64, res *peerResult) int64 {
	until := fwd + c.window.Milliseconds()
	if until > now {
		until = now
	}
	if until <= fwd {
		// Degenerate window, nothing to ask for.
		return fwd
	}

	reports, err := c.client.Pull(ctx, ip, fwd, until)
	if err != nil {
		// Watermark untouched: the same window is retried next cycle.
		slog.Warn("sync: forward pull failed", "peer", nodeID, "error", err)
		res.errors = append(res.errors, fmt.Sprintf("forward pull: %v", err))
		return fwd
	}
	if len(reports) == 0 {
		// The peer definitively has nothing in this slice; advance to the
		// window edge so a quiet peer cannot stall progress forever.
		return until
	}

	saved, skipped, mergeErr := c.merge(reports)
	res.pulled += len(reports)
	res.saved += saved
	res.skipped += skipped
	if mergeErr != nil {
		slog.Error("sync: cannot store forward reports", "peer", nodeID, "error", mergeErr)
		res.errors = append(res.errors, fmt.Sprintf("store forward reports: %v", mergeErr))
		return fwd
	}

	newFwd := fwd
	for _, r := range reports {
		if r.CreatedAt > newFwd {
			newFwd = r.CreatedAt
		}
	}
	return newFwd
}

// pullBackward pulls (max(0, bwd-window), bwd] and returns the new backward
// watermark, walking history toward zero over successive cycles.
func (c *Coordinator) pullBackward(ctx context.Context, nodeID, ip string, bwd int64, res *peerResult) int64 {
	if bwd <= 0 {
		// History fully backfilled.
		return bwd
	}
	lower := bwd - c.window.Milliseconds()
	if lower < 0 {
		lower = 0
	}

	reports, err := c.client.Pull(ctx, ip, lower, bwd)
	if err != nil {
		slog.Warn("sync: backward pull failed", "peer", nodeID, "error", err)
		res.errors = append(res.errors, fmt.Sprintf("backward pull: %v", err))
		return bwd
	}
	if len(reports) == 0 {
		return lower
	}

	saved, skipped, mergeErr := c.merge(reports)
	res.pulled += len(reports)
	res.saved += saved
	res.skipped += skipped
	if mergeErr != nil {
		slog.Error("sync: cannot store backward reports", "peer", nodeID, "error", mergeErr)
		res.errors = append(res.errors, fmt.Sprintf("store backward reports: %v", mergeErr))
		return bwd
	}

	newBwd := bwd
	for _, r := range reports {
		if r.CreatedAt < newBwd {
			newBwd = r.CreatedAt
		}
	}
	return newBwd
}

// merge stores pulled reports idempotently. Duplicates are steady-state
// (overlapping windows, multi-path replication) and only counted.
func (c *Coordinator) merge(reports []*models.LocationReport) (saved, skipped int, err error) {
	for _, r := range reports {
		inserted, insErr := c.reports.InsertIfAbsent(r)
		if insErr != nil {
			return saved, skipped, insErr
		}
		if inserted {
			saved++
		} else {
			skipped++
		}
	}
	return saved, skipped, nil
}
