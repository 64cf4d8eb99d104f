package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bluesky-social/gatekeep/cachestore"
	"github.com/bluesky-social/gatekeep/countstore"
	"github.com/bluesky-social/gatekeep/engine"
	"github.com/bluesky-social/gatekeep/federation"
	"github.com/bluesky-social/gatekeep/flagstore"
	"github.com/bluesky-social/gatekeep/notify"
	"github.com/bluesky-social/gatekeep/pkg/metrics"
	"github.com/bluesky-social/gatekeep/platform"
	"github.com/bluesky-social/gatekeep/setstore"
	"github.com/bluesky-social/gatekeep/state"
	"github.com/bluesky-social/gatekeep/sweep"
)

type Server struct {
	logger  *slog.Logger
	store   *state.Store
	engine  *engine.Engine
	proto   *federation.Protocol
	sweeper *sweep.Sweeper
	echo    *echo.Echo
	httpd   *http.Server
	rdb     *redis.Client

	metricsListen string
}

type Config struct {
	Logger          *slog.Logger
	Bind            string
	MetricsListen   string
	APIToken        string
	PlatformHost    string
	PlatformToken   string
	PlatformRate    float64
	RedisURL        string
	StateDir        string
	SetsFileJSON    string
	SlackWebhookURL string
	PrimaryChannel  string
	FallbackChannel string
	Engine          engine.Config
	Federation      federation.Config
	// overrides the platform gateway; used by tests
	Transport platform.Transport
	// defaults to the global prometheus registry
	Registerer prometheus.Registerer
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	transport := config.Transport
	if transport == nil {
		gw, err := platform.NewGateway(platform.GatewayConfig{
			Host:          config.PlatformHost,
			Token:         config.PlatformToken,
			RatePerSecond: config.PlatformRate,
			Burst:         int(config.PlatformRate),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring platform gateway: %w", err)
		}
		transport = platform.NewRetrying(gw, logger)
	}

	var (
		persister         state.Persister
		counters          countstore.CountStore
		cache             cachestore.CacheStore
		flags             flagstore.FlagStore
		rdb               *redis.Client
		primary, fallback federation.Channel
	)
	if config.RedisURL != "" {
		var err error
		// generic client, shared by the federation channels
		rdb, err = federation.NewRedisClient(context.TODO(), config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		primary = federation.NewRedisChannel(rdb, config.PrimaryChannel, logger)
		fallback = federation.NewRedisChannel(rdb, config.FallbackChannel, logger)

		rp, err := state.NewRedisPersister(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis persister: %v", err)
		}
		persister = rp

		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %v", err)
		}
		counters = cnt

		csh, err := cachestore.NewRedisCacheStore(config.RedisURL, 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("initializing redis cachestore: %v", err)
		}
		cache = csh

		flg, err := flagstore.NewRedisFlagStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis flagstore: %v", err)
		}
		flags = flg
	} else {
		fp, err := state.NewFilePersister(config.StateDir)
		if err != nil {
			return nil, err
		}
		persister = fp
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore(50_000, 24*time.Hour)
		flags = flagstore.NewMemFlagStore()
		// single node: siblings, if any, live in this process
		hub := federation.NewMemHub()
		primary = hub.Channel(config.PrimaryChannel)
		fallback = hub.Channel(config.FallbackChannel)
	}

	sets := setstore.NewMemSetStore()
	if config.SetsFileJSON != "" {
		if err := sets.LoadFromFileJSON(config.SetsFileJSON); err != nil {
			return nil, fmt.Errorf("initializing in-process setstore: %v", err)
		} else {
			logger.Info("loaded set config from JSON", "path", config.SetsFileJSON)
		}
	}

	store := state.NewStore(persister, logger)

	eng, err := engine.NewEngine(config.Engine, store, transport, logger)
	if err != nil {
		return nil, err
	}
	eng.Sets = sets
	eng.Counters = counters
	eng.Flags = flags

	proto, err := federation.NewProtocol(config.Federation, primary, fallback, store, cache, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring federation: %w", err)
	}
	proto.Hooks = eng
	eng.Publisher = proto

	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}}
	if config.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(config.SlackWebhookURL))
	}

	srv := &Server{
		logger:  logger,
		store:   store,
		engine:  eng,
		proto:   proto,
		sweeper: sweep.NewSweeper(eng, proto, notifiers, logger),
		rdb:     rdb,

		metricsListen: config.MetricsListen,
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	srv.echo = srv.newEcho(config.APIToken, reg)

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)
	srv.httpd = &http.Server{
		Handler:        srv.echo,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}
	return srv, nil
}

// Run loads the state, then serves the API, the federation channels and the sweeps until ctx is cancelled. The state is saved on the way out.
func (s *Server) Run(ctx context.Context) error {
	if err := s.store.Load(ctx); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", "bind", s.httpd.Addr)
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return metrics.RunServer(ctx, s.metricsListen)
	})
	g.Go(func() error {
		return s.proto.Serve(ctx)
	})
	g.Go(func() error {
		return s.sweeper.Run(ctx, sweep.DefaultSchedule())
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpd.Shutdown(sctx)
	})
	err := g.Wait()

	s.engine.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := s.store.SaveAll(sctx); serr != nil {
		s.logger.Error("failed to save state on shutdown", "err", serr)
		err = errors.Join(err, serr)
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
	s.logger.Info("graceful shutdown complete")
	return err
}
