package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/events"
	"github.com/mtzanidakis/hivemind/internal/natsbus"
	"github.com/mtzanidakis/hivemind/internal/notify"
	"github.com/mtzanidakis/hivemind/internal/provisioner"
	"github.com/mtzanidakis/hivemind/internal/store"
	"github.com/mtzanidakis/hivemind/internal/swarm"
	"github.com/mtzanidakis/hivemind/internal/vault"
	"github.com/mtzanidakis/hivemind/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("hivemind %s\n", version)
		return
	case "serve":
		err = runServe()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "conflicts":
		err = runConflicts(os.Args[2:])
	case "snapshots":
		err = runSnapshots(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hivemind <command>

Commands:
  serve       Start the swarm lifecycle and coordination service
  backup      Write the knowledge store to a .tar.zst archive
  restore     Restore the knowledge store from a .tar.zst archive
  conflicts   List recorded coordination conflicts
  snapshots   List or show hibernation snapshots
  version     Print version
`)
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openStore opens the knowledge store, sealing snapshots when a vault
// passphrase is configured.
func openStore(cfg *config.Config) (*store.Store, error) {
	var opts []store.Option
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
		opts = append(opts, store.WithVault(v))
	}
	return store.New(cfg.Store, opts...)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	slog.Info("starting hivemind", "version", version, "swarm", cfg.Swarm.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path, "sealed", cfg.Vault.Passphrase != "")

	bus := events.NewBus()

	// Embedded NATS
	var relay coordination.Relay
	var client *natsbus.Client
	if cfg.NATS.Enabled {
		nb, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer nb.Close()

		client, err = natsbus.NewClient(nb)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer client.Close()

		detach := natsbus.NewEventPublisher(client, cfg.Swarm.ID).Attach(bus)
		defer detach()
		relay = natsbus.NewRelay(client)
		slog.Info("nats started", "port", cfg.NATS.Port)
	}

	// Agent slots
	prov, err := provisioner.New(cfg.Provisioner, cfg.Swarm.ID)
	if err != nil {
		return fmt.Errorf("init provisioner: %w", err)
	}
	defer prov.Close()

	// Human-level escalations
	var notifier notify.Notifier = notify.Log{Logger: slog.Default()}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		notifier = tg
		slog.Info("telegram escalations enabled", "chat", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram token not set, escalations only logged")
	}

	sw, err := swarm.New(*cfg, swarm.Deps{
		Bus:         bus,
		Provisioner: prov,
		Knowledge:   db,
		Policies:    db,
		History:     db,
		Notifier:    notify.Escalations{Notifier: notifier},
		Relay:       relay,
	})
	if err != nil {
		return fmt.Errorf("init swarm: %w", err)
	}
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("start swarm: %w", err)
	}

	if client != nil {
		sub, err := client.ServeControl(ctx, cfg.Swarm.ID, controlHandler(sw))
		if err != nil {
			return fmt.Errorf("serve control: %w", err)
		}
		defer sub.Unsubscribe()
		slog.Info("control channel ready", "subject", natsbus.TopicControl(cfg.Swarm.ID))
	}

	// Admin API
	if cfg.Web.Enabled {
		srv := web.NewServer(sw, db, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	return sw.Shutdown(shutdownCtx)
}
