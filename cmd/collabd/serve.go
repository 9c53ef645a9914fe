package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/boardroom/collab/internal/config"
	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/messaging"
	"github.com/boardroom/collab/internal/presence"
	"github.com/boardroom/collab/internal/ratelimit"
	"github.com/boardroom/collab/internal/relay"
	"github.com/boardroom/collab/internal/storage/postgres"
)

func newServeCmd(configName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configName)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

// relayConfig maps the loaded settings onto the relay defaults.
func relayConfig(rc config.RelayConfig) relay.Config {
	cfg := relay.DefaultConfig()
	cfg.Server.ListenAddr = rc.ListenAddr
	cfg.Server.ServerName = rc.ServerName
	cfg.Server.WorkerPoolSize = rc.WorkerPoolSize
	cfg.Server.MaxConnections = rc.MaxConnections
	if rc.ReadTimeout > 0 {
		cfg.Server.ReadTimeout = rc.ReadTimeout
	}
	if rc.WriteTimeout > 0 {
		cfg.Server.WriteTimeout = rc.WriteTimeout
	}
	if rc.HeartbeatTimeout > 0 {
		cfg.Server.Heartbeat.Timeout = rc.HeartbeatTimeout
	}
	if rc.FramesPerWindow > 0 {
		cfg.FrameRule.Limit = rc.FramesPerWindow
	}
	if rc.RateWindow > 0 {
		cfg.FrameRule.Window = rc.RateWindow
	}
	cfg.Authority.History = rc.History
	if rc.SnapshotEvery > 0 {
		cfg.Authority.SnapshotEvery = int(rc.SnapshotEvery)
	}
	if rc.DetachAfter > 0 {
		cfg.Authority.DetachTTL = rc.DetachAfter
	}
	return cfg
}

func serve(cfg *config.Config) error {
	rcfg := relayConfig(cfg.Relay)
	deps := relay.Deps{
		Limiter:  ratelimit.NewMemoryLimiter(),
		Cooldown: ratelimit.NewMemoryCooldown(ratelimit.DefaultCooldownPolicy()),
	}
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// --- Redis ---
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			PoolSize:     100,
			MinIdleConns: 10,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			client.Close()
			return fmt.Errorf("collabd: redis ping %s: %w", cfg.Redis.Addr, err)
		}
		directory := presence.NewRedisStoreWithClient(client, rcfg.Server.ServerName, cfg.Redis.PresenceTTL)
		deps.Directory = directory
		deps.Sequencer = relay.NewRedisSequencer(client)
		deps.Limiter = ratelimit.NewRedisLimiter(client)
		deps.Cooldown = ratelimit.NewRedisCooldown(client, ratelimit.DefaultCooldownPolicy())
		closers = append(closers, func() {
			if err := directory.Close(); err != nil {
				log.Printf("collabd: redis close: %v", err)
			}
		})
	}

	// --- NATS ---
	if cfg.NATS.Enabled {
		ncfg := messaging.DefaultNATSConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.Name = rcfg.Server.ServerName
		if cfg.NATS.ReconnectWait > 0 {
			ncfg.ReconnectWait = cfg.NATS.ReconnectWait
		}
		ncfg.MaxReconnects = cfg.NATS.MaxReconnects
		nc, err := messaging.NewNATSClient(ncfg)
		if err != nil {
			return fmt.Errorf("collabd: %w", err)
		}
		deps.Fanout = nc
		closers = append(closers, nc.Close)
	}

	// --- Postgres ---
	if cfg.Postgres.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := postgres.Open(ctx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			return fmt.Errorf("collabd: %w", err)
		}
		if err := store.Migrate(); err != nil {
			store.Close()
			return fmt.Errorf("collabd: %w", err)
		}
		deps.Store = store
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				log.Printf("collabd: postgres close: %v", err)
			}
		})
	} else {
		deps.Store = document.NewMemoryStore()
	}

	auth := relay.TokenAuthorizer{Token: cfg.Relay.AuthToken}
	if auth.Token == "" {
		log.Printf("collabd: relay.auth_token is empty, every client is admitted")
	}
	r, err := relay.New(rcfg, auth, deps)
	if err != nil {
		return err
	}

	log.Printf("collab relay starting")
	log.Printf("  listen_addr:     %s", rcfg.Server.ListenAddr)
	log.Printf("  server_name:     %s", rcfg.Server.ServerName)
	log.Printf("  worker_pool:     %d", rcfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", rcfg.Server.MaxConnections)
	log.Printf("  redis:           %v (%s)", cfg.Redis.Enabled, cfg.Redis.Addr)
	log.Printf("  nats:            %v (%s)", cfg.NATS.Enabled, cfg.NATS.URL)
	log.Printf("  postgres:        %v", cfg.Postgres.Enabled)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}
