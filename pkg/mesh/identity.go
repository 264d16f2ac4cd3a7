package mesh

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ZeroNodeID is the placeholder identity returned when no hardware address
// can be resolved at all.
const ZeroNodeID = "00:00:00:00:00:00"

// Identity resolves the stable identifier of the local node.
type Identity interface {
	// NodeID returns the node's hardware address in aa:bb:cc:dd:ee:ff form.
	NodeID(ctx context.Context) (string, error)
}

// SysfsIdentity derives the node id from the hardware address of the mesh
// interface, probing a priority list of interfaces and falling back to the
// first non-zero address on the system. The result is cached for the
// lifetime of the process.
type SysfsIdentity struct {
	// Interfaces is probed in order; the default is the mesh interface
	// first, then wireless, then wired.
	Interfaces []string
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// SysfsRoot is where interface addresses are read from; overridden in
	// tests.
	SysfsRoot string

	once   sync.Once
	cached string
}

// NewSysfsIdentity creates an Identity probing bat0, wlan0 and eth0.
func NewSysfsIdentity() *SysfsIdentity {
	return &SysfsIdentity{
		Interfaces:   []string{"bat0", "wlan0", "eth0"},
		ProbeTimeout: 5 * time.Second,
		SysfsRoot:    "/sys/class/net",
	}
}

func (s *SysfsIdentity) NodeID(ctx context.Context) (string, error) {
	s.once.Do(func() {
		s.cached = s.resolve(ctx)
		slog.Info("resolved local node id", "node_id", s.cached)
	})
	return s.cached, nil
}

func (s *SysfsIdentity) resolve(ctx context.Context) string {
	root := s.SysfsRoot
	if root == "" {
		root = "/sys/class/net"
	}
	for _, iface := range s.Interfaces {
		probeCtx, cancel := context.WithTimeout(ctx, s.ProbeTimeout)
		mac := interfaceAddress(probeCtx, root, iface)
		cancel()
		if mac != "" {
			return mac
		}
	}
	// No configured interface had an address; take the first non-zero
	// hardware address the platform reports.
	if mac := firstHardwareAddress(); mac != "" {
		slog.Warn("no mesh interface found, using first non-zero hardware address", "node_id", mac)
		return mac
	}
	slog.Error("could not resolve any hardware address, using zero node id")
	return ZeroNodeID
}

// interfaceAddress reads the hardware address of a single interface from
// sysfs. Returns "" if the interface is missing or has the all-zero address.
func interfaceAddress(ctx context.Context, root, iface string) string {
	if err := ctx.Err(); err != nil {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(root, iface, "address"))
	if err != nil {
		return ""
	}
	mac := strings.TrimSpace(string(raw))
	if mac == "" || mac == ZeroNodeID {
		return ""
	}
	return strings.ToLower(mac)
}

// firstHardwareAddress scans all interfaces for the first usable address.
func firstHardwareAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		mac := iface.HardwareAddr.String()
		if mac != "" && mac != ZeroNodeID {
			return strings.ToLower(mac)
		}
	}
	return ""
}

// StaticIdentity returns a fixed node id, for tests and nodes without mesh
// hardware.
type StaticIdentity string

func (s StaticIdentity) NodeID(context.Context) (string, error) {
	return string(s), nil
}
