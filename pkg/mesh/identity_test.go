package mesh

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSysfsAddress(t *testing.T, root, iface, mac string) {
	t.Helper()
	dir := filepath.Join(root, iface)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "address"), []byte(mac+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSysfsIdentityPriorityOrder(t *testing.T) {
	root := t.TempDir()
	writeSysfsAddress(t, root, "bat0", "AA:BB:CC:DD:11:22")
	writeSysfsAddress(t, root, "eth0", "11:22:33:44:55:66")

	id := &SysfsIdentity{
		Interfaces:   []string{"bat0", "wlan0", "eth0"},
		ProbeTimeout: time.Second,
		SysfsRoot:    root,
	}
	got, err := id.NodeID(context.Background())
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if got != "aa:bb:cc:dd:11:22" {
		t.Errorf("NodeID = %q, want lowercased bat0 address", got)
	}
}

func TestSysfsIdentityFallsPastMissingAndZero(t *testing.T) {
	root := t.TempDir()
	// bat0 absent, wlan0 has the all-zero placeholder, eth0 is usable.
	writeSysfsAddress(t, root, "wlan0", "00:00:00:00:00:00")
	writeSysfsAddress(t, root, "eth0", "11:22:33:44:55:66")

	id := &SysfsIdentity{
		Interfaces:   []string{"bat0", "wlan0", "eth0"},
		ProbeTimeout: time.Second,
		SysfsRoot:    root,
	}
	got, err := id.NodeID(context.Background())
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if got != "11:22:33:44:55:66" {
		t.Errorf("NodeID = %q, want eth0 address", got)
	}
}

func TestSysfsIdentityCachesFirstResolution(t *testing.T) {
	root := t.TempDir()
	writeSysfsAddress(t, root, "bat0", "aa:bb:cc:dd:11:22")

	id := &SysfsIdentity{
		Interfaces:   []string{"bat0"},
		ProbeTimeout: time.Second,
		SysfsRoot:    root,
	}
	first, err := id.NodeID(context.Background())
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}

	// A changed interface address must not change the cached identity.
	writeSysfsAddress(t, root, "bat0", "ff:ff:ff:ff:ff:ff")
	second, err := id.NodeID(context.Background())
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if first != second {
		t.Errorf("NodeID changed across calls: %q then %q", first, second)
	}
}

func TestStaticIdentity(t *testing.T) {
	id := StaticIdentity("aa:aa:aa:aa:aa:aa")
	got, err := id.NodeID(context.Background())
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if got != "aa:aa:aa:aa:aa:aa" {
		t.Errorf("NodeID = %q", got)
	}
}
