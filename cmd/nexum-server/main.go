package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"
	"github.com/nexum-mesh/nexum-server/pkg/config"
	"github.com/nexum-mesh/nexum-server/pkg/mesh"
	"github.com/nexum-mesh/nexum-server/pkg/routes"
	"github.com/nexum-mesh/nexum-server/pkg/store"
	"github.com/nexum-mesh/nexum-server/pkg/syncer"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logOpts := slogcolor.DefaultOptions
	if *debug {
		logOpts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, logOpts)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	storage, err := store.Open(store.Options{
		Path:          cfg.Database.Path,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	})
	if err != nil {
		slog.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	identity := buildIdentity(cfg)
	discovery := buildDiscovery(cfg, identity)
	client := syncer.NewHTTPClient(cfg.Sync.PeerPort, cfg.Sync.PeerTimeout)

	coordinator := syncer.NewCoordinator(discovery, client, storage.Reports, storage.SyncState,
		syncer.WithWindow(cfg.Sync.Window),
		syncer.WithParallelism(cfg.Sync.Parallelism),
	)

	router := routes.NewSyncRouter(cfg, storage, identity, discovery, coordinator)

	interval := cfg.Sync.Interval
	if !cfg.Sync.Enabled {
		interval = 0
	}
	scheduler := syncer.NewScheduler(coordinator, interval,
		syncer.WithCycleTimeout(cfg.Sync.CycleTimeout),
		syncer.WithCycleCallback(router.Notifier.Notify),
	)
	router.SetScheduler(scheduler)
	scheduler.Start()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Handler(),
	}

	go func() {
		slog.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		slog.Warn("sync scheduler did not stop cleanly", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server did not stop cleanly", "error", err)
	}
}

func buildIdentity(cfg *config.Configuration) mesh.Identity {
	if cfg.Mesh.NodeID != "" {
		return mesh.StaticIdentity(cfg.Mesh.NodeID)
	}
	identity := mesh.NewSysfsIdentity()
	if len(cfg.Mesh.Interfaces) > 0 {
		identity.Interfaces = cfg.Mesh.Interfaces
	}
	if cfg.Mesh.ProbeTimeout > 0 {
		identity.ProbeTimeout = cfg.Mesh.ProbeTimeout
	}
	return identity
}

func buildDiscovery(cfg *config.Configuration, identity mesh.Identity) mesh.PeerDiscovery {
	if len(cfg.Mesh.StaticPeers) > 0 {
		slog.Info("using static peer discovery", "peers", len(cfg.Mesh.StaticPeers))
		return mesh.StaticDiscovery(cfg.Mesh.StaticPeers)
	}
	discovery := mesh.NewBatctlDiscovery(identity, cfg.Mesh.NetworkPrefix)
	discovery.BatctlPath = cfg.Mesh.BatctlPath
	discovery.UseSudo = cfg.Mesh.UseSudo
	if cfg.Mesh.ProbeTimeout > 0 {
		discovery.Timeout = cfg.Mesh.ProbeTimeout
	}
	return discovery
}
