package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nexum-mesh/nexum-server/pkg/models"
)

// SyncNotifier fans finished cycle summaries out to SSE subscribers.
type SyncNotifier struct {
	subscribers map[chan *models.SyncSummary]struct{}
	mu          sync.RWMutex
}

// NewSyncNotifier creates a new SyncNotifier.
func NewSyncNotifier() *SyncNotifier {
	return &SyncNotifier{
		subscribers: make(map[chan *models.SyncSummary]struct{}),
	}
}

// Subscribe adds a subscriber that receives every cycle summary.
func (sn *SyncNotifier) Subscribe() chan *models.SyncSummary {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	ch := make(chan *models.SyncSummary, 1)
	sn.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (sn *SyncNotifier) Unsubscribe(ch chan *models.SyncSummary) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	delete(sn.subscribers, ch)
	close(ch)
}

// Notify delivers a summary to all subscribers. Slow subscribers drop
// intermediate summaries rather than blocking the sync loop.
func (sn *SyncNotifier) Notify(summary *models.SyncSummary) {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	for ch := range sn.subscribers {
		select {
		case ch <- summary:
		default:
		}
	}
}

// syncEventsSSE streams cycle summaries as server-sent JSON events.
func (sr *SyncRouter) syncEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notifyCh := sr.Notifier.Subscribe()
	defer sr.Notifier.Unsubscribe(notifyCh)

	ctx := r.Context()

	// Heartbeat to keep the connection alive across quiet intervals.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case summary := <-notifyCh:
			if summary == nil {
				return
			}
			payload, err := json.Marshal(summary)
			if err != nil {
				slog.Error("error encoding SSE event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: sync-cycle\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
