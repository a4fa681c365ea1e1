// Package main provides clawdeskctl, a command-line front end for the
// orchestrator. It operates directly on the shared data layout, so it works
// whether or not the daemon is running.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/clawdesk/clawdesk/internal/appconfig"
	"github.com/clawdesk/clawdesk/internal/backup"
	"github.com/clawdesk/clawdesk/internal/catalog"
	"github.com/clawdesk/clawdesk/internal/cmdexec"
	"github.com/clawdesk/clawdesk/internal/config"
	"github.com/clawdesk/clawdesk/internal/configure"
	"github.com/clawdesk/clawdesk/internal/health"
	"github.com/clawdesk/clawdesk/internal/installer"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/process"
	"github.com/clawdesk/clawdesk/internal/resolver"
	"github.com/clawdesk/clawdesk/internal/state"
	"github.com/clawdesk/clawdesk/internal/upgrade"
)

type app struct {
	cfg      *config.Config
	layout   paths.Layout
	log      *logging.Logger
	store    *state.Store
	ins      *installer.Installer
	sup      *process.Supervisor
	backups  *backup.Engine
	applier  *configure.Applier
	upgrader *upgrade.Coordinator
	catalog  *catalog.Catalog
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))

	fs := flag.NewFlagSet("clawdeskctl "+cmd, flag.ExitOnError)
	configPath := fs.String("config", "clawdesk.yaml", "path to clawdesk.yaml")
	registerFlags(cmd, fs)
	_ = fs.Parse(os.Args[2:])

	a, err := buildApp(*configPath)
	if err != nil {
		fatal(err)
	}
	defer a.log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, a, cmd); err != nil {
		fatal(err)
	}
}

// command flags, registered before Parse and read inside dispatch.
var (
	flagMethod     string
	flagSource     string
	flagDir        string
	flagReinstall  bool
	flagPurge      bool
	flagProvider   string
	flagAPIKey     string
	flagFlow       string
	flagPort       int
	flagBind       string
	flagWorkspace  string
	flagModel      string
	flagFallbacks  string
	flagTelegram   string
	flagLaunchArgs string
	flagID         string
	flagPrefix     string
	flagName       string
	flagLines      int
	flagOutput     string
	flagRelease    bool
	flagSkills     bool
)

func registerFlags(cmd string, fs *flag.FlagSet) {
	switch cmd {
	case "install":
		fs.StringVar(&flagMethod, "method", "", "install method: npm, bun, git, binary")
		fs.StringVar(&flagSource, "source", "", "package name or URL")
		fs.StringVar(&flagDir, "dir", "", "install directory")
		fs.StringVar(&flagLaunchArgs, "launch-args", "", "extra gateway flags, space separated")
		fs.BoolVar(&flagReinstall, "reinstall", false, "reinstall over an existing install")
	case "uninstall":
		fs.BoolVar(&flagPurge, "purge", false, "also remove app home and saved config")
	case "configure":
		fs.StringVar(&flagProvider, "provider", "", "model provider")
		fs.StringVar(&flagAPIKey, "api-key", "", "provider API key")
		fs.StringVar(&flagFlow, "flow", "", "onboarding flow: quickstart, manual, advanced")
		fs.IntVar(&flagPort, "port", 0, "gateway port")
		fs.StringVar(&flagBind, "bind", "", "gateway bind: loopback or lan")
		fs.StringVar(&flagWorkspace, "workspace", "", "agent workspace directory")
		fs.StringVar(&flagModel, "model", "", "primary model id")
		fs.StringVar(&flagTelegram, "telegram-token", "", "telegram bot token")
	case "model":
		fs.StringVar(&flagModel, "primary", "", "primary model id")
		fs.StringVar(&flagFallbacks, "fallbacks", "", "comma-separated fallback model ids")
	case "provider-key":
		fs.StringVar(&flagProvider, "provider", "", "model provider")
		fs.StringVar(&flagAPIKey, "api-key", "", "provider API key (empty removes)")
	case "upgrade":
		fs.StringVar(&flagSource, "source", "", "override upgrade source")
	case "backup":
		fs.StringVar(&flagPrefix, "create", "", "create a backup with this id prefix")
	case "restore", "delete-backup":
		fs.StringVar(&flagID, "id", "", "backup id")
	case "logs":
		fs.StringVar(&flagName, "name", "", "log file name (empty lists files)")
		fs.IntVar(&flagLines, "lines", 200, "number of trailing lines")
		fs.StringVar(&flagOutput, "export", "", "copy the log file to this path")
	case "port":
		fs.BoolVar(&flagRelease, "release", false, "kill the managed process holding the port")
	case "catalog":
		fs.BoolVar(&flagSkills, "skills", false, "list skills instead of models")
	}
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	log := logging.New(layout.LogsDir())
	log.SetLevel(cfg.LogLevel)

	store := state.NewStore(layout)
	runner := cmdexec.NewRunner()
	res := resolver.New(runner, log)

	ins := installer.New(layout, store, runner, log)
	appcfg := appconfig.New(layout, store)
	sup := process.NewSupervisor(layout, store, appcfg, res, health.New(), log)
	backups := backup.NewEngine(layout, log)
	applier := configure.NewApplier(layout, store, runner, res, log)

	return &app{
		cfg:      cfg,
		layout:   layout,
		log:      log,
		store:    store,
		ins:      ins,
		sup:      sup,
		backups:  backups,
		applier:  applier,
		upgrader: upgrade.NewCoordinator(store, appcfg, ins, backups, sup, applier, log),
		catalog:  catalog.New(store, runner, res, log),
	}, nil
}

func dispatch(ctx context.Context, a *app, cmd string) error {
	switch cmd {
	case "status":
		st, err := a.sup.Poll(ctx)
		if err != nil {
			return err
		}
		printJSON(st)
	case "start":
		st, err := a.sup.Start(ctx)
		if err != nil {
			return err
		}
		printJSON(st)
	case "stop":
		if err := a.sup.Stop(ctx); err != nil {
			return err
		}
		fmt.Println("stopped")
	case "end":
		if err := a.sup.End(ctx); err != nil {
			return err
		}
		fmt.Println("ended")
	case "restart":
		st, err := a.sup.Restart(ctx)
		if err != nil {
			return err
		}
		printJSON(st)
	case "install":
		opts := installer.Options{
			Method:     state.SourceMethod(flagMethod),
			Source:     flagSource,
			InstallDir: flagDir,
			Reinstall:  flagReinstall,
		}
		if opts.Method == "" {
			opts.Method = state.SourceMethod(a.cfg.Install.Method)
		}
		if opts.Source == "" {
			opts.Source = a.cfg.Install.Source
		}
		if opts.InstallDir == "" {
			opts.InstallDir = a.cfg.Install.Dir
		}
		if flagLaunchArgs != "" {
			opts.LaunchArgs = strings.Fields(flagLaunchArgs)
		}
		st, err := a.ins.Install(ctx, opts)
		if err != nil {
			return err
		}
		printJSON(st)
	case "uninstall":
		if err := a.sup.End(ctx); err != nil {
			a.log.Warnf("stop before uninstall: %v", err)
		}
		warnings, err := a.ins.Uninstall(flagPurge)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}
		fmt.Println("uninstalled")
	case "configure":
		input := state.ConfigInput{
			Flow:        flagFlow,
			GatewayPort: flagPort,
			GatewayBind: flagBind,
			Provider:    flagProvider,
			APIKey:      flagAPIKey,
			Workspace:   flagWorkspace,
		}
		if flagModel != "" {
			input.Models = state.ModelChain{Primary: flagModel}
		}
		if flagTelegram != "" {
			input.Channels.TelegramToken = flagTelegram
		}
		res, err := a.applier.Apply(ctx, input)
		if err != nil {
			return err
		}
		printJSON(res)
	case "model":
		chain := state.ModelChain{Primary: flagModel, Fallbacks: splitList(flagFallbacks)}
		if err := a.applier.SwitchModel(chain); err != nil {
			return err
		}
		printJSON(chain)
	case "provider-key":
		if err := a.applier.UpdateProviderAPIKey(flagProvider, flagAPIKey); err != nil {
			return err
		}
		fmt.Println("updated")
	case "upgrade":
		res, err := a.upgrader.Upgrade(ctx, upgrade.Options{Source: flagSource})
		if res != nil {
			printJSON(res)
		}
		return err
	case "backup":
		if flagPrefix != "" {
			info, err := a.backups.Create(flagPrefix)
			if err != nil {
				return err
			}
			printJSON(info)
			return nil
		}
		list, err := a.backups.List()
		if err != nil {
			return err
		}
		printJSON(list)
	case "restore":
		if flagID == "" {
			return fmt.Errorf("restore requires -id")
		}
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warnf("stop before restore: %v", err)
		}
		if err := a.backups.Restore(flagID, backup.RestoreOptions{}); err != nil {
			return err
		}
		fmt.Println("restored", flagID)
	case "rollback":
		return rollback(ctx, a)
	case "delete-backup":
		if flagID == "" {
			return fmt.Errorf("delete-backup requires -id")
		}
		if err := a.backups.Delete(flagID); err != nil {
			return err
		}
		fmt.Println("deleted", flagID)
	case "doctor":
		printJSON(a.ins.Doctor(ctx))
	case "logs":
		return logsCmd(a)
	case "port":
		if flagRelease {
			if err := a.sup.ReleasePort(ctx); err != nil {
				return err
			}
			fmt.Println("released")
			return nil
		}
		report, err := a.sup.InspectPort(ctx)
		if err != nil {
			return err
		}
		printJSON(report)
	case "catalog":
		var entries any
		var err error
		if flagSkills {
			entries, err = a.catalog.Skills(ctx)
		} else {
			entries, err = a.catalog.Models(ctx)
		}
		if err != nil {
			return err
		}
		printJSON(entries)
	default:
		usage()
		os.Exit(2)
	}
	return nil
}

// rollback restores the newest pre-upgrade snapshot.
func rollback(ctx context.Context, a *app) error {
	list, err := a.backups.List()
	if err != nil {
		return err
	}
	for _, info := range list {
		if !strings.HasPrefix(info.ID, "pre-upgrade-") {
			continue
		}
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warnf("stop before rollback: %v", err)
		}
		if err := a.backups.Restore(info.ID, backup.RestoreOptions{}); err != nil {
			return err
		}
		fmt.Println("rolled back to", info.ID)
		return nil
	}
	return fmt.Errorf("no pre-upgrade backup found")
}

func logsCmd(a *app) error {
	dir := a.layout.LogsDir()
	if flagName == "" {
		list, err := logging.List(dir)
		if err != nil {
			return err
		}
		printJSON(list)
		return nil
	}
	if flagOutput != "" {
		dest, err := logging.Export(dir, flagName, flagOutput)
		if err != nil {
			return err
		}
		fmt.Println("exported to", dest)
		return nil
	}
	content, err := logging.Read(dir, flagName, flagLines)
	if err != nil {
		return err
	}
	fmt.Print(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		fmt.Println()
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: clawdeskctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  status | start | stop | end | restart  manage the gateway process")
	fmt.Fprintln(os.Stderr, "  install | uninstall | upgrade        manage the installation")
	fmt.Fprintln(os.Stderr, "  configure | model | provider-key     apply configuration")
	fmt.Fprintln(os.Stderr, "  backup | restore | rollback | delete-backup")
	fmt.Fprintln(os.Stderr, "  doctor | logs | port | catalog")
	fmt.Fprintln(os.Stderr, "Run 'clawdeskctl <command> -h' for command flags.")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
