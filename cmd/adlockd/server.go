package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-adlock/v1/broadcast"
	"github.com/mirkobrombin/go-adlock/v1/coordinator"
	"github.com/mirkobrombin/go-adlock/v1/kv"
	"github.com/mirkobrombin/go-adlock/v1/metrics"
	"github.com/mirkobrombin/go-adlock/v1/transport/ws"
)

const shutdownTimeout = 5 * time.Second

// server bundles everything adlockd runs.
type server struct {
	store   *kv.Resilient
	hub     *broadcast.Hub
	watcher *coordinator.Watcher
	http    *http.Server
	closers []func() error
}

func newServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*server, error) {
	s := &server{}

	var (
		inner       kv.Store
		redisClient *redis.Client
	)
	switch cfg.Store.Kind {
	case RedisStore:
		redisClient = s.redisClient(cfg)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable yet", "addr", cfg.Store.Redis.Addr, "error", err)
		}
		inner = kv.NewRedis(redisClient, kv.WithTimeout(cfg.Store.Redis.Timeout))
	default:
		inner = kv.NewInMemory()
	}
	s.store = kv.NewResilient(inner, cfg.Store.Breaker.Threshold, cfg.Store.Breaker.Cooldown)

	hubOpts := []broadcast.HubOption{broadcast.WithLogger(logger)}
	bp, err := s.backplane(cfg, redisClient)
	if err != nil {
		s.close()
		return nil, err
	}
	if bp != nil {
		hubOpts = append(hubOpts, broadcast.WithBackplane(bp))
		s.closers = append(s.closers, bp.Close)
	}
	s.hub = broadcast.NewHub(hubOpts...)

	coordOpts := []coordinator.Option{
		coordinator.WithDefaultTTL(cfg.Lock.TTL),
		coordinator.WithKeyPrefix(cfg.Lock.KeyPrefix),
		coordinator.WithLogger(logger),
	}
	if cfg.Lock.RenewIncrement > 0 {
		coordOpts = append(coordOpts, coordinator.WithRenewIncrement(cfg.Lock.RenewIncrement))
	}
	if cfg.Lock.UnconditionalRelease {
		logger.Warn("releases are not ownership-checked")
		coordOpts = append(coordOpts, coordinator.WithUnconditionalRelease())
	}
	coord := coordinator.New(s.store, s.hub, coordOpts...)
	s.watcher = coordinator.NewWatcher(coord, cfg.Watch.Interval)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	handlerOpts := []ws.HandlerOption{ws.WithHandlerLogger(logger)}
	if len(cfg.AllowedOrigins) > 0 {
		handlerOpts = append(handlerOpts, ws.WithCheckOrigin(originChecker(cfg.AllowedOrigins)))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(coord, s.hub, handlerOpts...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.store.IsHealthy() {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	s.http = &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

func (s *server) redisClient(cfg *Config) *redis.Client {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	s.closers = append(s.closers, c.Close)
	return c
}

func (s *server) backplane(cfg *Config, redisClient *redis.Client) (broadcast.Backplane, error) {
	switch cfg.Backplane.Kind {
	case RedisBackplane:
		if redisClient == nil {
			redisClient = s.redisClient(cfg)
		}
		return broadcast.NewRedisBackplane(redisClient, cfg.Backplane.Channel), nil
	case NATSBackplane:
		conn, err := nats.Connect(cfg.Backplane.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.closers = append(s.closers, func() error { conn.Close(); return nil })
		return broadcast.NewNATSBackplane(conn, cfg.Backplane.Channel), nil
	case KafkaBackplane:
		bp, err := broadcast.DialKafka(cfg.Backplane.Kafka.Brokers, nil, cfg.Backplane.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("kafka dial: %w", err)
		}
		return bp, nil
	}
	return nil, nil
}

// Run serves until ctx is done or a component fails.
func (s *server) Run(ctx context.Context, logger *slog.Logger) error {
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error { return s.watcher.Run(gctx) })
	g.Go(func() error {
		logger.Info("starting adlock server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}

// setupTracing installs a stdout span exporter and returns its shutdown func.
func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
