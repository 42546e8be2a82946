package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Nearby/internal/adapters/bus"
	router "github.com/dkeye/Nearby/internal/adapters/http"
	"github.com/dkeye/Nearby/internal/adapters/store"
	"github.com/dkeye/Nearby/internal/app"
	"github.com/dkeye/Nearby/internal/app/orch"
	"github.com/dkeye/Nearby/internal/config"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/telemetry"
)

func setLevel(name string) {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		log.Warn().Str("level", name).Msg("unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

func openStore(cfg config.StoreConfig) core.StateStore {
	if cfg.Driver == "memory" {
		log.Warn().Msg("in-memory state store: presence is not shared between gateways")
		return store.NewMemory()
	}
	return store.NewRedis(store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.Timeout,
	})
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Watch(func(next *config.Config) { setLevel(next.LogLevel) })
	if err != nil {
		return err
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	setLevel(cfg.LogLevel)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	shutdownTelemetry, err := telemetry.Init(ctx, "nearby-gateway")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	st := openStore(cfg.Store)
	defer st.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = st.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	nc, err := bus.Connect(cfg.NATS.URL, "nearby-gateway-"+nodeID)
	if err != nil {
		return err
	}
	defer nc.Drain()
	subjects := bus.Subjects{Prefix: cfg.NATS.SubjectPrefix}

	policy, err := app.ParsePolicy(cfg.Backpressure.Policy)
	if err != nil {
		return err
	}

	keys := app.Keys{Prefix: cfg.Store.Prefix}
	events := bus.NewEvents(nc, subjects)
	fanout := bus.NewFanout(nc, subjects)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(st, events, app.RegistryOptions{
			Keys:    keys,
			TTL:     cfg.Presence.TTL,
			Timeout: cfg.Store.Timeout,
		}),
		Membership: app.NewMembership(st, keys, cfg.Presence.TTL, cfg.Store.Timeout),
		Hub:        app.NewHub(app.NewRoomManager()),
		Policy:     policy,
		Resolver:   bus.NewResolver(nc, subjects),
		Events:     events,
		Fanout:     fanout,
		Metrics:    telemetry.NewInstruments(),
		Cascade: orch.CascadePolicy{
			MaxAttempts: cfg.Cascade.MaxAttempts,
			Backoff:     cfg.Cascade.Backoff,
			Timeout:     cfg.Cascade.Timeout,
			Concurrency: cfg.Cascade.Concurrency,
		},
		ResolverTimeout: cfg.Resolver.Timeout,
		NodeID:          nodeID,
	}

	stopFanout, err := fanout.Subscribe(o.OnFanout)
	if err != nil {
		return err
	}

	checks := map[string]router.HealthCheck{
		"store": st.Ping,
		"nats": func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return errors.New(nc.Status().String())
			}
			return nil
		},
	}
	r := router.SetupRouter(ctx, cfg, o, checks)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("node", nodeID).Msg("Nearby gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		o.Sweep(gctx, cfg.Presence.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			stopFanout(),
			shutdownTelemetry(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
