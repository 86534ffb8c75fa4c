// Command linkd keeps a session to a flight backend and exposes it over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/api"
	"github.com/meshcommons/backendlink/internal/config"
	"github.com/meshcommons/backendlink/internal/directory"
	"github.com/meshcommons/backendlink/internal/gateway"
	"github.com/meshcommons/backendlink/internal/link"
	"github.com/meshcommons/backendlink/internal/retention"
	"github.com/meshcommons/backendlink/internal/store"
)

// journal is what the daemon needs from either store implementation.
type journal interface {
	gateway.Journal
	directory.Persister
	api.History
	retention.Pruner
	Close() error
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkd: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(*configPath, *envFile, log); err != nil {
		log.Error("linkd: exiting", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath, envFile string, log *zap.Logger) (err error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}

	db, err := openJournal(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	dir, err := directory.New(db, log.Named("directory"))
	if err != nil {
		return err
	}
	bus := gateway.NewEventBus(cfg.Gateway.EventBuffer)
	gw := gateway.New(db, dir, bus, log.Named("gateway"), cfg.Gateway.PublishTraffic)

	session := link.New(cfg.LinkConfig(), gw, log.Named("link"))
	gw.Bind(session)
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := retention.New(&cfg.Retention, db, log.Named("retention")).Start(ctx); err != nil {
			log.Error("linkd: retention", zap.Error(err))
		}
	}()

	if cfg.AutoConnect {
		d := link.ParseDescriptor(cfg.Backend)
		go func() {
			dialCtx, cancel := context.WithTimeout(ctx, cfg.Link.ConnectTimeout+time.Second)
			defer cancel()
			if err := session.ConnectDescriptor(dialCtx, d); err != nil {
				log.Warn("linkd: auto-connect failed",
					zap.String("backend", d.String()),
					zap.Error(err),
				)
			}
		}()
	}

	log.Info("linkd starting",
		zap.String("listen", cfg.Gateway.ListenAddr),
		zap.String("store", storeName(cfg.Store)),
		zap.Bool("auto_connect", cfg.AutoConnect),
		zap.Bool("debug_override", cfg.DebugOverride),
	)
	router := api.NewRouter(session, db, dir, bus, log.Named("api"))
	return api.ListenAndServe(ctx, cfg.Gateway.ListenAddr, router, log.Named("api"))
}

func openJournal(cfg config.StoreConfig) (journal, error) {
	if cfg.Path == "" {
		return store.NewMemory(cfg.MemoryCapacity), nil
	}
	db, err := store.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func storeName(cfg config.StoreConfig) string {
	if cfg.Path == "" {
		return "memory"
	}
	return cfg.Path
}
