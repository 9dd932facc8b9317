// Package main is the yggdrasil-jumper sidecar's command-line entry
// point: load a config, wire the admin client and controller together
// with fx, and run until asked to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/one-d-wide/yggdrasil-jumper/internal/admin"
	"github.com/one-d-wide/yggdrasil-jumper/internal/config"
	"github.com/one-d-wide/yggdrasil-jumper/internal/controller"
	"github.com/one-d-wide/yggdrasil-jumper/internal/util/logger"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var log = logger.Logger("cmd")

var (
	configFile   = flag.String("config", "", "path to the jumper's YAML config file (defaults built in if omitted)")
	printDefault = flag.Bool("print-default", false, "print the default configuration as YAML and exit")
	logLevel     = flag.String("loglevel", "", "off, error, warn, info or debug; overrides YGGDRASIL_JUMPER_LOG_LEVEL for this run")
	showVersion  = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("yggdrasil-jumper", Version)
		return
	}
	if *printDefault {
		if err := printDefaultConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "yggdrasil-jumper: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *logLevel != "" {
		level, ok := logger.ParseLevel(*logLevel)
		if !ok {
			fmt.Fprintf(os.Stderr, "yggdrasil-jumper: unknown log level %q\n", *logLevel)
			os.Exit(1)
		}
		logger.SetGlobalDefaultLevel(level)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "yggdrasil-jumper: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(newAdminClient, newController),
		fx.Invoke(registerLifecycle),
		fx.NopLogger,
	)
	app.Run()
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		log.Warn("no -config given, running with built-in defaults")
		return config.DefaultConfig(), nil
	}
	return config.Load(*configFile)
}

func printDefaultConfig() error {
	out, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func newAdminClient(cfg *config.Config) *admin.Client {
	return admin.NewClient(cfg.YggdrasilAdminListen, cfg.YggdrasilAdminReconnect, admin.DefaultReconnectConfig())
}

func newController(cfg *config.Config, client *admin.Client) (*controller.Controller, error) {
	return controller.New(cfg, client)
}

// lifecycleParams groups the fx-managed dependencies registerLifecycle
// needs to start and stop the jumper's background loop.
type lifecycleParams struct {
	fx.In

	LC    fx.Lifecycle
	Admin *admin.Client
	Ctrl  *controller.Controller
}

// registerLifecycle dials the admin channel and starts the controller's
// poll loop on fx's OnStart hook, then tears both down on OnStop. Run()
// itself is driven by a context independent of the hook's own (short-lived)
// context, since it must keep running for the process's entire lifetime.
func registerLifecycle(p lifecycleParams) {
	var cancel context.CancelFunc
	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Admin.Dial(ctx); err != nil {
				return fmt.Errorf("dial admin channel: %w", err)
			}
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				if err := p.Ctrl.Run(runCtx); err != nil && err != context.Canceled {
					log.Error("controller stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			return p.Admin.Close()
		},
	})
}
