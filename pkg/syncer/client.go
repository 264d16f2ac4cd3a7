package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/nexum-mesh/nexum-server/pkg/models"
)

// ErrorKind classifies why a pull from a peer failed, for per-peer error
// reporting in the cycle summary.
type ErrorKind string

const (
	ErrTimeout   ErrorKind = "timeout"
	ErrRefused   ErrorKind = "connection_refused"
	ErrNoRoute   ErrorKind = "no_route"
	ErrDNS       ErrorKind = "dns_failure"
	ErrBadStatus ErrorKind = "bad_status"
	ErrMalformed ErrorKind = "malformed_response"
)

// PeerError is a failed pull against one peer.
type PeerError struct {
	Kind   ErrorKind
	PeerIP string
	Err    error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.PeerIP, e.Kind, e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }

// Client pulls one bounded window of reports from a single peer. A nil error
// with zero records means the peer definitively reported nothing in range,
// which callers treat differently from a failed pull.
type Client interface {
	Pull(ctx context.Context, peerIP string, sinceMs, untilMs int64) ([]*models.LocationReport, error)
}

// syncEnvelope is the wire shape of a peer's sync-data response.
type syncEnvelope struct {
	Status  string                   `json:"status"`
	Message string                   `json:"message"`
	Count   int                      `json:"count"`
	Data    []*models.LocationReport `json:"data"`
}

// HTTPClient pulls reports from a peer's /api/sync endpoint. One attempt per
// pull; the next scheduled cycle is the retry.
type HTTPClient struct {
	// Port the peer's API listens on.
	Port int
	// Scheme is http unless the mesh terminates TLS somewhere.
	Scheme string
	// Path of the sync-data endpoint.
	Path   string
	client *http.Client
}

// NewHTTPClient creates a client with the given per-request timeout.
func NewHTTPClient(port int, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		Port:   port,
		Scheme: "http",
		Path:   "/api/sync",
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Pull(ctx context.Context, peerIP string, sinceMs, untilMs int64) ([]*models.LocationReport, error) {
	u := url.URL{
		Scheme:   c.Scheme,
		Host:     fmt.Sprintf("%s:%d", peerIP, c.Port),
		Path:     c.Path,
		RawQuery: fmt.Sprintf("since=%d&until=%d", sinceMs, untilMs),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &PeerError{Kind: ErrMalformed, PeerIP: peerIP, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &PeerError{Kind: classifyNetError(err), PeerIP: peerIP, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &PeerError{Kind: ErrBadStatus, PeerIP: peerIP,
			Err: fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)}
	}

	var envelope syncEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &PeerError{Kind: ErrMalformed, PeerIP: peerIP, Err: err}
	}
	if envelope.Status != "success" {
		return nil, &PeerError{Kind: ErrBadStatus, PeerIP: peerIP,
			Err: fmt.Errorf("peer returned status %q: %s", envelope.Status, envelope.Message)}
	}

	reports := envelope.Data
	if reports == nil {
		reports = []*models.LocationReport{}
	}
	for _, r := range reports {
		if err := r.Validate(); err != nil {
			return nil, &PeerError{Kind: ErrMalformed, PeerIP: peerIP, Err: err}
		}
	}
	return reports, nil
}

// classifyNetError maps a transport failure to a reportable cause.
func classifyNetError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return ErrNoRoute
	}
	return ErrNoRoute
}
