package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/olyamironova/spot-exchange/internal/adapter/cache"
	"github.com/olyamironova/spot-exchange/internal/adapter/in_memory"
	"github.com/olyamironova/spot-exchange/internal/adapter/kafka"
	"github.com/olyamironova/spot-exchange/internal/adapter/outbox"
	"github.com/olyamironova/spot-exchange/internal/adapter/pg"
	"github.com/olyamironova/spot-exchange/internal/adapter/system"
	grpcapi "github.com/olyamironova/spot-exchange/internal/api/grpc"
	httpapi "github.com/olyamironova/spot-exchange/internal/api/http"
	"github.com/olyamironova/spot-exchange/internal/api/ws"
	"github.com/olyamironova/spot-exchange/internal/config"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/metrics"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/olyamironova/spot-exchange/internal/registry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, gRPC and websocket APIs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logging.NewLoggerFromEnv(cfg.Log.Environment)
		defer log.AtExit()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.close()
		return a.run(ctx)
	},
}

// app holds the wired components of a running server.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	engine  *core.Engine
	http    *httpapi.HTTPServer
	grpc    *grpc.Server
	relay   *outbox.Relay
	hub     *ws.Hub
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	reg, err := registry.New(cfg.Assets)
	if err != nil {
		return nil, err
	}
	clock := system.Clock{}
	m := metrics.New()

	var repo port.Repository
	if cfg.Postgres.DSN != "" {
		pgRepo, err := pg.NewPgRepo(ctx, cfg.Postgres.DSN, cfg.Engine.LockTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pgRepo.Close)
		repo = pgRepo
	} else {
		log.Warn("postgres.dsn not set, state is kept in memory only")
		repo = in_memory.NewMemoryRepo(cfg.Engine.LockTimeout)
	}

	var snapshots port.Cache
	if cfg.Redis.Address != "" {
		rc, err := cache.NewRedisCache(ctx, cache.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		snapshots = rc
	} else {
		snapshots = in_memory.NewCache()
	}

	box, err := outbox.Open(cfg.Outbox.Dir, clock)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = box.Close() })

	var sender outbox.Sender = outbox.LogSender{Log: log.Named("events")}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, func() { _ = producer.Close() })
		sender = producer
	}
	a.relay = outbox.NewRelay(box, sender, cfg.Outbox.Interval, log)
	a.hub = ws.NewHub(clock, log)

	engCfg := core.NewDefaultConfig()
	engCfg.CommissionRate = cfg.Engine.Rate()
	engCfg.FeeAccount = cfg.Engine.FeeAccount
	engCfg.QuoteAsset = cfg.Engine.QuoteAsset
	engCfg.BookDepth = cfg.Engine.BookDepth
	engCfg.MaxRetries = cfg.Engine.MaxRetries

	a.engine = core.NewEngine(engCfg, core.Deps{
		Repo:      repo,
		Cache:     snapshots,
		Publisher: port.FanOut{box, a.hub},
		Registry:  reg,
		Clock:     clock,
		IDs:       system.UUIDGenerator{},
		Metrics:   m,
		Log:       log,
	})
	if err := a.engine.LoadOpenOrdersFromRepo(ctx); err != nil {
		return nil, err
	}

	auth := middleware.NewAuth(cfg.Auth.JWTSecret)
	a.http = httpapi.NewHTTPServer(a.engine, httpapi.Options{
		Auth:    auth,
		Limiter: middleware.NewRateLimiter(cfg.RateLimit.Interval),
		Events:  a.hub,
		Metrics: m.Handler(),
		Log:     log,
	})
	a.grpc = grpcapi.NewServer(auth, grpcapi.NewGRPCServer(a.engine, log))
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.http.Run(ctx, a.cfg.HTTP.Address) })
	g.Go(func() error { return grpcapi.Serve(ctx, a.cfg.GRPC.Address, a.grpc, a.log) })
	g.Go(func() error { return a.relay.Run(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("server stopped", zap.Error(err))
	return err
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.hub != nil {
		a.hub.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
