// Command arbiterd runs the governance daemon: the HITL engine, the
// channel registry and the operator HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiter-systems/arbiter/pkg/api"
	"github.com/arbiter-systems/arbiter/pkg/audit"
	"github.com/arbiter-systems/arbiter/pkg/channel"
	"github.com/arbiter-systems/arbiter/pkg/config"
	"github.com/arbiter-systems/arbiter/pkg/constitution"
	"github.com/arbiter-systems/arbiter/pkg/governance"
	"github.com/arbiter-systems/arbiter/pkg/notify"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("arbiterd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")
	tickEvery := fs.Duration("tick", 5*time.Second, "approval expiry sweep interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("arbiterd: %v", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("arbiterd: %v", err)
		return 1
	}

	for _, path := range cfg.RulePacks {
		pack, err := constitution.LoadPack(path)
		if err != nil {
			log.Printf("arbiterd: rule pack %s: %v", path, err)
			return 1
		}
		cfg.Governance.ConstitutionalRules = append(cfg.Governance.ConstitutionalRules, pack.Contracts()...)
	}

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		log.Printf("arbiterd: open store: %v", err)
		return 1
	}
	defer closeStore()

	engine, err := governance.NewEngine(cfg.Governance)
	if err != nil {
		log.Printf("arbiterd: %v", err)
		return 1
	}
	engine.SetAuditSink(store)
	engine.SetNotifier(buildDispatcher(cfg.Notify))

	registry := channel.NewRegistry()

	validator := api.NewJWTValidator([]byte(cfg.Server.JWTSecret))
	if validator == nil {
		log.Printf("arbiterd: no jwt_secret configured, rejecting all API requests")
	}
	server := api.NewServer(engine, registry, store)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("arbiterd: listening on %s", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	ticker := time.NewTicker(*tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			engine.Tick(ctx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				log.Printf("arbiterd: http server: %v", err)
				return 1
			}
			return 0
		case <-ctx.Done():
			log.Printf("arbiterd: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("arbiterd: shutdown: %v", err)
			}
			return 0
		}
	}
}

// openStore builds the configured audit store and returns a close
// function for its underlying resources.
func openStore(cfg config.StoreConfig) (audit.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return audit.NewMemoryStore(), func() {}, nil
	case "sqlite":
		store, err := audit.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := audit.NewPostgresStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildDispatcher assembles the notification fan-out from config. The
// log sender is always registered so the "log" channel works out of
// the box.
func buildDispatcher(cfg config.NotifyConfig) *notify.Dispatcher {
	d := notify.NewDispatcher(cfg.RatePerSecond, cfg.Burst)
	if cfg.SendTimeout > 0 {
		d = d.WithSendTimeout(cfg.SendTimeout)
	}
	d.Register(notify.LogSender{})
	if cfg.WebhookURL != "" {
		d.Register(notify.NewWebhookSender(cfg.WebhookURL, nil))
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		d.Register(notify.NewRedisSender(client, cfg.RedisTopic))
	}
	return d
}
