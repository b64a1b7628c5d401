package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/tmuxgate/internal/command"
	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/daemon"
	"github.com/g960059/tmuxgate/internal/db"
	"github.com/g960059/tmuxgate/internal/dispatch"
	"github.com/g960059/tmuxgate/internal/filestore"
	"github.com/g960059/tmuxgate/internal/gateway"
	"github.com/g960059/tmuxgate/internal/logging"
	"github.com/g960059/tmuxgate/internal/notify"
	"github.com/g960059/tmuxgate/internal/pathguard"
	"github.com/g960059/tmuxgate/internal/ratelimit"
	"github.com/g960059/tmuxgate/internal/scheduler"
	"github.com/g960059/tmuxgate/internal/session"
	"github.com/g960059/tmuxgate/internal/tmux"
	"github.com/g960059/tmuxgate/internal/watch"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func run(ctx context.Context, args []string, logOut io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log := logging.New(cfg.Log, logOut)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.FilesRoot, 0o755); err != nil {
		return fmt.Errorf("create files root: %w", err)
	}

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	guard, err := pathguard.New(cfg.FilesRoot, logging.Component(log, "pathguard"))
	if err != nil {
		return fmt.Errorf("files root: %w", err)
	}
	files := filestore.New(guard, cfg.Files, logging.Component(log, "filestore"))

	validator, err := command.FromConfig(cfg.Command)
	if err != nil {
		return err
	}

	var (
		notifier notify.Notifier = notify.Nop{}
		broker   *notify.Client
	)
	if cfg.MQTT.Enabled {
		broker, err = notify.NewClient(cfg.MQTT, logging.Component(log, "notify"))
		if err != nil {
			return err
		}
		defer broker.Close()
		notifier = notify.NewBrokerNotifier(broker, cfg.MQTT.TopicPrefix)
	}

	executor := tmux.NewExecutor(cfg.Session)
	registry := session.NewRegistry(executor, cfg.Session, notifier, logging.Component(log, "session"))
	dispatcher := dispatch.New(executor, registry, store, notifier, cfg.Session, logging.Component(log, "dispatch"))
	sched := scheduler.New(store, validator, dispatcher, notifier, cfg.Scheduler, logging.Component(log, "scheduler"))

	deps := gateway.Deps{
		Validator:  validator,
		Dispatcher: dispatcher,
		Sessions:   registry,
		Scheduler:  sched,
		Files:      files,
		Dispatches: store,
		Notifier:   notifier,
		Limits:     ratelimit.NewSet(cfg.RateLimit.CommandsPerMinute, cfg.RateLimit.UploadsPerMinute),
	}
	if broker != nil {
		deps.Broker = broker
	}
	gw := gateway.New(deps, logging.Component(log, "gateway"))
	srv := daemon.NewServer(cfg, gw, logging.Component(log, "http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sched.RunRetention(gctx) })
	if cfg.Files.Watch {
		w := watch.New(guard.Root(), notifier, logging.Component(log, "watch"))
		g.Go(func() error { return w.Run(gctx) })
	}
	if broker != nil {
		g.Go(func() error { return broker.Run(gctx) })
		if cfg.MQTT.RemoteControl {
			rc := gateway.NewRemoteControl(gctx, gw, cfg.MQTT.RemoteMaxInflight, logging.Component(log, "remote"))
			if err := subscribeRemoteControl(gctx, broker, rc, cfg.MQTT.TopicPrefix); err != nil {
				return err
			}
			g.Go(func() error {
				<-gctx.Done()
				rc.Wait()
				return nil
			})
		}
	}

	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("session", cfg.Session.Name).
		Bool("mqtt", cfg.MQTT.Enabled).
		Msg("tmuxgated started")
	err = g.Wait()
	log.Info().Msg("tmuxgated stopped")
	return err
}

// subscribeRemoteControl feeds broker commands through the gateway, so they
// share validation, rate limits and auditing with HTTP submissions.
func subscribeRemoteControl(ctx context.Context, broker *notify.Client, rc *gateway.RemoteControl, prefix string) error {
	topic := notify.JoinTopic(prefix, notify.TopicControlCommand)
	return broker.Subscribe(ctx, topic, rc.Handle)
}

// loadConfig reads --config, then lets the remaining flags override it.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("tmuxgated", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "YAML config file")
	listen := fs.String("listen", "", "HTTP listen address")
	dbPath := fs.String("db", "", "SQLite path")
	filesRoot := fs.String("files-root", "", "directory served for upload and download")
	sessionName := fs.String("session", "", "tmux session name")
	logLevel := fs.String("log-level", "", "log level")
	noAuth := fs.Bool("no-auth", false, "disable bearer token auth (local development only)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = *listen
		case "db":
			cfg.DBPath = *dbPath
		case "files-root":
			cfg.FilesRoot = *filesRoot
		case "session":
			cfg.Session.Name = *sessionName
		case "log-level":
			cfg.Log.Level = *logLevel
		case "no-auth":
			cfg.Auth.Disabled = *noAuth
		}
	})
	return cfg, nil
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tmuxgated: %v\n", err)
	os.Exit(1)
}
