package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Configuration struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Database   struct {
		Path          string `mapstructure:"path"`
		BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
	} `mapstructure:"database"`
	Mesh MeshSettings `mapstructure:"mesh"`
	Sync SyncSettings `mapstructure:"sync"`
}

type MeshSettings struct {
	// Interfaces is the priority order for resolving the local node id.
	Interfaces []string `mapstructure:"interfaces"`
	// NetworkPrefix is the first two octets of the mesh IP range.
	NetworkPrefix string `mapstructure:"network_prefix"`
	// BatctlPath is the routing tool binary used for peer discovery.
	BatctlPath string `mapstructure:"batctl_path"`
	// UseSudo controls whether discovery invokes the tool through sudo.
	UseSudo bool `mapstructure:"use_sudo"`
	// ProbeTimeout bounds each identity/discovery probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// StaticPeers, when non-empty, replaces batctl discovery with a fixed
	// node-id to IP map. For development hosts without mesh hardware.
	StaticPeers map[string]string `mapstructure:"static_peers"`
	// NodeID, when set, overrides hardware identity resolution.
	NodeID string `mapstructure:"node_id"`
}

type SyncSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	Window       time.Duration `mapstructure:"window"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
	PeerPort     int           `mapstructure:"peer_port"`
	PeerTimeout  time.Duration `mapstructure:"peer_timeout"`
	Parallelism  int           `mapstructure:"parallelism"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("database.path", "data/nexum.db")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("mesh.interfaces", []string{"bat0", "wlan0", "eth0"})
	v.SetDefault("mesh.network_prefix", "169.254")
	v.SetDefault("mesh.batctl_path", "batctl")
	v.SetDefault("mesh.use_sudo", true)
	v.SetDefault("mesh.probe_timeout", "5s")
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", "10s")
	v.SetDefault("sync.window", "30m")
	v.SetDefault("sync.cycle_timeout", "30s")
	v.SetDefault("sync.peer_port", 5000)
	v.SetDefault("sync.peer_timeout", "5s")
	v.SetDefault("sync.parallelism", 4)
}

// Load reads the configuration file at path (optional; pure defaults apply
// when it is empty) with NEXUM_-prefixed environment overrides.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NEXUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Configuration
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}
