package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/TalMal-ContactMe/contact-form/internal/breaker"
	"github.com/TalMal-ContactMe/contact-form/internal/config"
	"github.com/TalMal-ContactMe/contact-form/internal/deadletter"
	"github.com/TalMal-ContactMe/contact-form/internal/httpapi"
	"github.com/TalMal-ContactMe/contact-form/internal/logging"
	"github.com/TalMal-ContactMe/contact-form/internal/messaging"
	"github.com/TalMal-ContactMe/contact-form/internal/metrics"
	"github.com/TalMal-ContactMe/contact-form/internal/ratelimit"
	"github.com/TalMal-ContactMe/contact-form/internal/registry"
	"github.com/TalMal-ContactMe/contact-form/internal/relay"
	"github.com/TalMal-ContactMe/contact-form/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, "relay", nil); err != nil {
		return err
	}

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("nats_url", cfg.NATS.URL).
		Bool("redis", cfg.Redis.Enabled).
		Bool("dead_letters", cfg.Database.URL != "").
		Msg("relay starting")

	// --- NATS ---
	nc, err := messaging.NewClient(cfg.NATS)
	if err != nil {
		return err
	}
	defer nc.Close()

	// --- Breaker ---
	bc := cfg.Breaker.Breaker("backend")
	bc.OnStateChange = func(name string, _, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	}
	br := breaker.New(bc)
	metrics.BreakerState.WithLabelValues(br.Name()).Set(float64(br.State()))

	opts := []relay.Option{relay.WithQueues(cfg.Queues)}

	// --- Redis (optional) ---
	var limiter *ratelimit.Limiter
	if cfg.Redis.Enabled {
		rdb, err := ratelimit.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb)
		opts = append(opts, relay.WithLimiter(limiter, cfg.Redis.MessageRule))
	}

	// --- Postgres dead letters (optional) ---
	if cfg.Database.URL != "" {
		store, err := deadletter.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, relay.WithDeadLetters(store))
	}

	engine := relay.New(nc, registry.New(), br, opts...)
	if err := engine.Attach(nc); err != nil {
		return err
	}

	// Hooks keep working while Shutdown drains connections.
	hookCtx := context.WithoutCancel(ctx)
	server := ws.NewServer(cfg.Server, ws.Hooks{
		OnRegister: func(c *ws.Connection) {
			engine.RegisterConnection(c, c.ConversationID)
		},
		OnOpen: func(c *ws.Connection) {
			engine.ReplayHistory(hookCtx, c, c.ConversationID)
		},
		OnMessage: func(c *ws.Connection, data []byte) {
			engine.OnClientTextFrame(hookCtx, c, data)
		},
		OnDisconnect: func(c *ws.Connection) {
			engine.OnConnectionClosed(c, c.ConversationID)
		},
	})
	if limiter != nil {
		server.SetConnectLimiter(limiter, cfg.Redis.ConnectRule)
	}

	httpapi.New(engine, cfg.CORS.AllowedOrigins, cfg.Server.ConversationKey).Register(server)
	if cfg.Metrics.Enabled {
		server.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
		return err
	}
	log.Info().Msg("relay stopped")
	return nil
}
