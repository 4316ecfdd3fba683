package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/veesix-networks/osdhcpc/internal/client"
	"github.com/veesix-networks/osdhcpc/internal/control"
	"github.com/veesix-networks/osdhcpc/internal/exporter"
	"github.com/veesix-networks/osdhcpc/pkg/component"
	"github.com/veesix-networks/osdhcpc/pkg/config"
	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/events/local"
	"github.com/veesix-networks/osdhcpc/pkg/leasedb/sqlite"
	"github.com/veesix-networks/osdhcpc/pkg/logger"
	"github.com/veesix-networks/osdhcpc/pkg/netconf"
	"github.com/veesix-networks/osdhcpc/pkg/transport"
	"github.com/veesix-networks/osdhcpc/pkg/version"
)

func main() {
	configPath := flag.String("config", "/etc/osdhcpc/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	components := make(map[string]logger.LogLevel, len(cfg.Logging.Components))
	for name, level := range cfg.Logging.Components {
		components[name] = logger.LogLevel(level)
	}
	logger.Configure(cfg.Logging.Format, logger.LogLevel(cfg.Logging.Level), components)

	mainLog := logger.Get(logger.Main)
	mainLog.Info("Starting osdhcpcd", "version", version.Version, "interface", cfg.Interface)

	eventBus := local.NewBus()

	// An unrecoverable lease session failure takes the daemon down the same
	// orderly path as a signal.
	fatalCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.TopicClientFatal, func(events.Event) {
		select {
		case fatalCh <- struct{}{}:
		default:
		}
	})

	store, err := sqlite.Open(cfg.LeaseDB.Path)
	if err != nil {
		log.Fatalf("Failed to open lease database: %v", err)
	}

	conn, err := transport.Open(cfg.Interface, cfg.Netns)
	if err != nil {
		log.Fatalf("Failed to open packet sockets on %s: %v", cfg.Interface, err)
	}

	var netcfg *netconf.Manager
	if cfg.Netconf.ManageEnabled() {
		netcfg, err = netconf.New(cfg.Interface, cfg.Netns, cfg.Netconf.InstallRoutesEnabled(), cfg.Netconf.RouteMetric)
		if err != nil {
			log.Fatalf("Failed to attach to interface %s: %v", cfg.Interface, err)
		}
	} else {
		mainLog.Info("Interface configuration management disabled")
	}

	clientComp, err := client.New(client.Options{
		Config:  cfg,
		Conn:    conn,
		Store:   store,
		Netconf: netcfg,
		Bus:     eventBus,
	})
	if err != nil {
		log.Fatalf("Failed to create client component: %v", err)
	}

	controlComp := control.New(control.Options{
		Config: cfg,
		Client: clientComp,
		Store:  store,
		Bus:    eventBus,
	})

	orch := component.NewOrchestrator()
	orch.Register(clientComp)
	orch.Register(controlComp)

	if cfg.Monitoring.Enabled {
		orch.Register(exporter.New(exporter.Options{
			Config: cfg,
			Client: clientComp,
			Bus:    eventBus,
		}))
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("Failed to start components: %v", err)
	}

	mainLog.Info("osdhcpcd started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		mainLog.Info("Shutting down osdhcpcd...")
	case <-fatalCh:
		mainLog.Error("Lease session failed, shutting down")
	}

	if err := orch.Stop(ctx); err != nil {
		mainLog.Error("Error stopping components", "error", err)
	}

	if err := conn.Close(); err != nil {
		mainLog.Error("Error closing packet sockets", "error", err)
	}
	if err := store.Close(); err != nil {
		mainLog.Error("Error closing lease database", "error", err)
	}

	mainLog.Info("osdhcpcd stopped")
}
