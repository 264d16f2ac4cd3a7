package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PeerDiscovery enumerates the mesh peers currently visible to this node.
type PeerDiscovery interface {
	// Peers returns a map of peer node id to IP address, excluding the
	// local node. Discovery problems degrade to an empty map: a cycle with
	// zero peers is normal, a crashed cycle is not.
	Peers(ctx context.Context) (map[string]string, error)
}

// DefaultNetworkPrefix is the first two octets of the mesh IP range assigned
// by the mesh bootstrap scripts.
const DefaultNetworkPrefix = "169.254"

// DeriveIP computes a node's mesh IP address from its hardware address. The
// third and fourth IP octets are the decimal values of the fifth and sixth
// MAC octets; the first two octets are the mesh network prefix. This mirrors
// the address assignment done when the mesh interface is brought up, so the
// mapping is exact and needs no lookup.
func DeriveIP(prefix, mac string) (string, error) {
	parts := strings.Split(strings.TrimSpace(mac), ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("derive ip: %q is not a 6-octet hardware address", mac)
	}
	o3, err := strconv.ParseUint(parts[4], 16, 8)
	if err != nil {
		return "", fmt.Errorf("derive ip: bad octet %q in %q", parts[4], mac)
	}
	o4, err := strconv.ParseUint(parts[5], 16, 8)
	if err != nil {
		return "", fmt.Errorf("derive ip: bad octet %q in %q", parts[5], mac)
	}
	return fmt.Sprintf("%s.%d.%d", prefix, o3, o4), nil
}

var macPattern = regexp.MustCompile(`(?i)\b([0-9a-f]{2}(?::[0-9a-f]{2}){5})\b`)

// ParseOriginators extracts the hardware addresses of mesh originators from
// batctl neighbor output. Newer batctl versions emit JSON lines with an
// "originator" field; older ones print a table with embedded addresses.
// Unrecognized lines are skipped.
func ParseOriginators(out []byte) []string {
	seen := map[string]struct{}{}
	var macs []string
	add := func(mac string) {
		mac = strings.ToLower(mac)
		if _, ok := seen[mac]; ok {
			return
		}
		seen[mac] = struct{}{}
		macs = append(macs, mac)
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var entry struct {
				Originator string `json:"originator"`
			}
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				slog.Debug("skipping unparsable batctl line", "line", line)
				continue
			}
			if macPattern.MatchString(entry.Originator) {
				add(entry.Originator)
			}
			continue
		}
		// Tabular output: header lines carry no address and fall through.
		if mac := macPattern.FindString(line); mac != "" {
			add(mac)
		}
	}
	return macs
}

// BatctlDiscovery lists mesh peers by invoking the B.A.T.M.A.N. routing
// daemon's originator table.
type BatctlDiscovery struct {
	Identity Identity
	// Prefix is the mesh network's first two IP octets.
	Prefix string
	// BatctlPath is the batctl binary, "batctl" by default.
	BatctlPath string
	// UseSudo prepends sudo; reading the originator table typically needs
	// elevated privilege.
	UseSudo bool
	// Timeout bounds the subprocess invocation.
	Timeout time.Duration
}

// NewBatctlDiscovery creates a discovery backed by `batctl o -f json`.
func NewBatctlDiscovery(identity Identity, prefix string) *BatctlDiscovery {
	if prefix == "" {
		prefix = DefaultNetworkPrefix
	}
	return &BatctlDiscovery{
		Identity:   identity,
		Prefix:     prefix,
		BatctlPath: "batctl",
		UseSudo:    true,
		Timeout:    5 * time.Second,
	}
}

func (d *BatctlDiscovery) Peers(ctx context.Context) (map[string]string, error) {
	peers := map[string]string{}

	myID, err := d.Identity.NodeID(ctx)
	if err != nil {
		slog.Error("discovery: cannot resolve local node id", "error", err)
		return peers, nil
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := d.BatctlPath
	if name == "" {
		name = "batctl"
	}
	args := []string{"o", "-f", "json"}
	if d.UseSudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	out, err := exec.CommandContext(runCtx, name, args...).Output()
	if err != nil {
		// Tool missing, permission denied, timeout, non-zero exit: all mean
		// "no peers visible this cycle", never a failed cycle.
		slog.Warn("discovery: batctl invocation failed", "error", err)
		return peers, nil
	}

	return peersFromOriginators(ParseOriginators(out), myID, d.Prefix), nil
}

// peersFromOriginators derives the peer address map from discovered
// originators, excluding the local node itself. batctl lists the local node
// as an originator too, so the filter is unconditional.
func peersFromOriginators(macs []string, myID, prefix string) map[string]string {
	peers := map[string]string{}
	for _, mac := range macs {
		if mac == strings.ToLower(myID) {
			continue
		}
		ip, err := DeriveIP(prefix, mac)
		if err != nil {
			slog.Warn("discovery: skipping originator with underivable address", "node_id", mac, "error", err)
			continue
		}
		peers[mac] = ip
	}
	return peers
}

// StaticDiscovery serves a fixed peer map, for tests and for development
// hosts without mesh hardware.
type StaticDiscovery map[string]string

func (s StaticDiscovery) Peers(context.Context) (map[string]string, error) {
	peers := make(map[string]string, len(s))
	for mac, ip := range s {
		peers[strings.ToLower(mac)] = ip
	}
	return peers, nil
}
