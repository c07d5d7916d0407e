package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/auth"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/cleanup"
	"qazna.org/tenancy/internal/config"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/events"
	"qazna.org/tenancy/internal/httpapi"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/lifecycle"
	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/retry"
	"qazna.org/tenancy/internal/tenancy"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	log := obs.Component("api")
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.Observability.LogLevel)
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("api stopped")
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := obs.Component("api")

	table, err := access.LoadFile(cfg.RoleTable)
	if err != nil {
		return err
	}
	var dispatcher *cdc.Dispatcher
	be, err := openBackend(ctx, cfg, func(n cdc.Notification) {
		if err := dispatcher.Dispatch(ctx, n); err != nil {
			log.WithError(err).Warn("change not dispatched")
		}
	})
	if err != nil {
		return err
	}
	defer be.close()
	dispatcher = cdc.NewDispatcher(cdc.WithLogger(obs.Component("cdc")), cdc.WithBackfill(be.backfill))

	graph, err := tenancy.NewGraph(be.tenancy, tenancy.WithContextCache(cfg.Cache.ContextSize, cfg.Cache.ContextTTL))
	if err != nil {
		return err
	}
	entities, err := entity.NewService(be.entities)
	if err != nil {
		return err
	}
	projection, err := identity.NewProjection(ctx, be.identity, identity.Options{
		Workers:    cfg.Identity.Workers,
		QueueDepth: cfg.Identity.QueueDepth,
		Retry: retry.Config{
			MaxAttempts:       cfg.Identity.ApplyTries,
			InitialDelay:      cfg.Identity.ApplyBackoff,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2,
		},
		Logger: obs.Logger(),
	})
	if err != nil {
		return err
	}
	defer projection.Close()

	resolver, err := authz.NewResolver(projection, graph, table)
	if err != nil {
		return err
	}
	manager, err := lifecycle.NewManager(graph, entities, resolver)
	if err != nil {
		return err
	}

	broker, locker, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	publisher, err := events.NewPublisher(broker, cfg.Events.TopicPrefix,
		events.WithRetry(retry.NewPolicy(retry.Config{
			MaxAttempts:       cfg.Events.PublishTries,
			InitialDelay:      cfg.Events.InitialBackoff,
			MaxDelay:          cfg.Events.MaxBackoff,
			BackoffMultiplier: 2,
		})),
		events.WithMarker(be.outbox),
	)
	if err != nil {
		return err
	}
	rescanOpts := []events.RescannerOption{
		events.WithGrace(cfg.Events.RescanGrace),
		events.WithBatch(cfg.Events.RescanBatch),
	}
	if locker != nil {
		rescanOpts = append(rescanOpts, events.WithLocker(locker, cfg.Events.TopicPrefix+":rescan"))
	}
	rescanner, err := events.NewRescanner(be.outbox, publisher, rescanOpts...)
	if err != nil {
		return err
	}

	cleanupQueue := openCleanupQueue(cfg, broker)
	scheduler, err := cleanup.NewScheduler(cleanupQueue)
	if err != nil {
		return err
	}
	cleaner, err := cleanup.NewWorker(cleanupQueue, be.identity,
		cleanup.WithMaxAttempts(cfg.Cleanup.MaxAttempts),
		cleanup.WithPollWait(cfg.Cleanup.PollWait),
	)
	if err != nil {
		return err
	}

	tenancyChannels := make([]string, 0, len(tenancy.Kinds()))
	for _, k := range tenancy.Kinds() {
		tenancyChannels = append(tenancyChannels, k.Table())
	}
	if err := dispatcher.Register("graph", graph, tenancyChannels...); err != nil {
		return err
	}
	if err := dispatcher.Register("cleanup", scheduler, tenancyChannels...); err != nil {
		return err
	}
	if err := dispatcher.Register("identity", projection, identity.Tables()...); err != nil {
		return err
	}
	if err := dispatcher.Register("events", publisher, events.Tables()...); err != nil {
		return err
	}

	if cfg.Storage.Driver == "memory" && cfg.Identity.BootstrapAdmin != "" {
		if err := bootstrapAdmin(ctx, be.identity, cfg.Identity.Realm, cfg.Identity.BootstrapAdmin); err != nil {
			return err
		}
		log.WithField("principal", cfg.Identity.BootstrapAdmin).Warn("seeded bootstrap admin")
	}

	signer, err := auth.NewSigner(cfg.Auth.Secret)
	if err != nil {
		return err
	}
	api, err := httpapi.New(httpapi.Options{
		Manager:       manager,
		Resolver:      resolver,
		Contexts:      graph,
		Principals:    be.identity,
		Signer:        signer,
		Ready:         be.ready,
		Version:       version,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		RateBurst:     cfg.Server.RateBurst,
		RatePerSecond: cfg.Server.RatePerSecond,
	})
	if err != nil {
		return err
	}

	collectors := append(authz.Collectors(), cdc.Collectors()...)
	collectors = append(collectors, identity.Collectors()...)
	collectors = append(collectors, events.Collectors()...)
	collectors = append(collectors, cleanup.Collectors()...)
	obs.Init(collectors...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return cleaner.Run(ctx) })
	for _, l := range be.listeners(rescanner) {
		l := l
		g.Go(func() error { return l.Run(ctx, dispatcher.Dispatch) })
	}

	if err := rescanner.Start(cfg.Events.RescanSchedule); err != nil {
		return err
	}
	defer rescanner.Stop()

	g.Go(func() error {
		log.WithFields(map[string]any{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var gs *grpc.Server
	if cfg.Server.GRPCEnabled {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		gs = grpc.NewServer()
		health := httpapi.NewHealthServer(be.ready)
		health.Register(gs)
		g.Go(func() error {
			health.Run(ctx, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			log.WithField("addr", cfg.Server.GRPCAddr).Info("grpc listening")
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if gs != nil {
			gs.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
