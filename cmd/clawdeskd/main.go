// Package main provides the entry point for the clawdesk daemon. It hosts
// the local management API the desktop shell talks to and keeps the managed
// OpenClaw gateway alive between calls.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawdesk/clawdesk/internal/api"
	"github.com/clawdesk/clawdesk/internal/appconfig"
	"github.com/clawdesk/clawdesk/internal/backup"
	"github.com/clawdesk/clawdesk/internal/catalog"
	"github.com/clawdesk/clawdesk/internal/cmdexec"
	"github.com/clawdesk/clawdesk/internal/config"
	"github.com/clawdesk/clawdesk/internal/configure"
	"github.com/clawdesk/clawdesk/internal/health"
	"github.com/clawdesk/clawdesk/internal/installer"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/process"
	"github.com/clawdesk/clawdesk/internal/resolver"
	"github.com/clawdesk/clawdesk/internal/state"
	"github.com/clawdesk/clawdesk/internal/upgrade"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const watchdogInterval = 5 * time.Second

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "clawdesk.yaml", "path to clawdesk.yaml")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("clawdeskd %s (%s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	log := logging.New(layout.LogsDir())
	defer log.Close()
	log.SetLevel(cfg.LogLevel)
	log.Infof("clawdeskd %s starting, data root %s", Version, layout.DataRoot)

	store := state.NewStore(layout)
	runner := cmdexec.NewRunner()
	res := resolver.New(runner, log)
	prober := health.New()

	appcfg := appconfig.New(layout, store)
	ins := installer.New(layout, store, runner, log)
	sup := process.NewSupervisor(layout, store, appcfg, res, prober, log)
	backups := backup.NewEngine(layout, log)
	applier := configure.NewApplier(layout, store, runner, res, log)
	coord := upgrade.NewCoordinator(store, appcfg, ins, backups, sup, applier, log)
	cat := catalog.New(store, runner, res, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cat.Watch(ctx, layout, log); err != nil {
		log.Warnf("config watch unavailable: %v", err)
	}
	go watchdog(ctx, sup, log)

	svc := &api.Service{
		Layout:     layout,
		Store:      store,
		Logger:     log,
		AppConfig:  appcfg,
		Installer:  ins,
		Supervisor: sup,
		Backups:    backups,
		Applier:    applier,
		Upgrader:   coord,
		Catalog:    cat,
	}
	srv := api.NewServer(cfg.Listen, cfg.AuthToken, svc)
	log.Infof("management API listening on %s", cfg.Listen)
	return srv.Run(ctx)
}

// watchdog keeps the gateway alive while keep-running is on. Poll itself
// throttles revival attempts; the loop just drives it.
func watchdog(ctx context.Context, sup *process.Supervisor, log *logging.Logger) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := sup.Poll(ctx)
			if err != nil {
				log.Warnf("watchdog poll: %v", err)
				continue
			}
			if st.Revived {
				log.Infof("gateway revived, pid %d", st.PID)
			}
		}
	}
}
