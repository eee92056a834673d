package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"material-market/internal/api"
	"material-market/internal/cache"
	"material-market/internal/config"
	"material-market/internal/feed"
	"material-market/internal/logging"
	"material-market/internal/matcher"
	"material-market/internal/metrics"
	"material-market/internal/settlement"
	"material-market/internal/store"
	"material-market/internal/submit"
	"material-market/internal/ws"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// closers run in reverse registration order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.run()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(reg)
	checks := map[string]api.HealthCheck{}

	// Order store
	base, err := openStore(ctx, cfg, logger, &cleanup, checks)
	if err != nil {
		return err
	}
	orders := store.Instrument(base, appMetrics)

	// Change feed
	var (
		publisher feed.Publisher
		source    feed.Source
		recorders = []settlement.FillRecorder{appMetrics}
	)
	switch cfg.FeedBackend {
	case config.FeedMemory:
		ch := feed.NewChannelFeed(cfg.FeedBuffer, feed.BatchConfig{Size: cfg.BatchSize, Wait: cfg.BatchWait}, feed.DefaultRetryConfig(), logger)
		cleanup.add(ch.Close)
		publisher, source = ch, ch

	case config.FeedAMQP:
		amqpCfg := feed.AMQPConfig{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.RabbitMQExchange,
			Queue:    cfg.RabbitMQQueue,
			Prefetch: cfg.BatchSize,
			Batch:    feed.BatchConfig{Size: cfg.BatchSize, Wait: cfg.BatchWait},
			Retry:    feed.DefaultRetryConfig(),
		}
		pub, err := feed.NewAMQPPublisher(amqpCfg, logger)
		if err != nil {
			return err
		}
		cleanup.add(pub.Close)
		publisher = pub
		recorders = append(recorders, pub)

		if cfg.MatcherEnabled {
			src, err := feed.NewAMQPSource(amqpCfg, logger)
			if err != nil {
				return err
			}
			cleanup.add(src.Close)
			source = src

			dlq, err := feed.NewDLQHandler(amqpCfg, logger)
			if err != nil {
				return err
			}
			if err := dlq.Start(); err != nil {
				return err
			}
			cleanup.add(dlq.Stop)
		}

	case config.FeedKafka:
		kafkaCfg := feed.KafkaConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.KafkaTopic,
			FillTopic: cfg.KafkaFillTopic,
			GroupID:   cfg.KafkaGroupID,
			Batch:     feed.BatchConfig{Size: cfg.BatchSize, Wait: cfg.BatchWait},
			Retry:     feed.RetryConfig{MaxRetries: -1, InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Randomization: 0.2},
		}
		pub := feed.NewKafkaPublisher(kafkaCfg)
		cleanup.add(func() { _ = pub.Close() })
		publisher = pub
		recorders = append(recorders, pub)

		if cfg.MatcherEnabled {
			src := feed.NewKafkaSource(kafkaCfg, logger)
			cleanup.add(func() { _ = src.Close() })
			source = src
		}
	}

	// Fill read side
	var fills *cache.RedisCache
	if cfg.RedisEnabled {
		fills, err = cache.NewRedisCache(cfg, logger)
		if err != nil {
			logger.Warn("redis unavailable, recent fills disabled", zap.Error(err))
			fills = nil
		} else {
			cleanup.add(func() { _ = fills.Close() })
			recorders = append(recorders, fills)
			checks["redis"] = fills.Ping
		}
	}

	var hub *ws.Hub
	if cfg.WSEnabled {
		hubCfg := ws.HubConfig{Book: orders, Observer: appMetrics, Logger: logger}
		if fills != nil {
			hubCfg.Fills = fills
		}
		hub = ws.NewHub(hubCfg)
		go hub.Run()
		cleanup.add(hub.Stop)
		recorders = append(recorders, hub)
	}

	var wg sync.WaitGroup

	if cfg.MatcherEnabled {
		executor := settlement.NewExecutor(orders, logger, recorders...)
		m := matcher.New(orders, executor,
			matcher.WithLogger(logger),
			matcher.WithObserver(appMetrics),
			matcher.WithMaxRounds(cfg.MatchMaxRounds),
		)
		consumer := feed.NewConsumer(m, feed.ConsumerConfig{
			Workers:  cfg.WorkerCount,
			Logger:   logger,
			Observer: appMetrics,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("change feed stopped", zap.Error(err))
				stop()
			}
		}()
		logger.Info("matcher started",
			zap.String("feed", cfg.FeedBackend),
			zap.Int("workers", cfg.WorkerCount),
			zap.Int("max_rounds", cfg.MatchMaxRounds),
		)
	}

	var srv *http.Server
	if cfg.APIEnabled {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()

		deps := api.Deps{
			Orders:  orders,
			Hub:     hub,
			Metrics: appMetrics,
			Checks:  checks,
			Logger:  logger,
		}
		if fills != nil {
			deps.Fills = fills
		}
		var pub feed.Publisher = publisher
		if cfg.FeedBackend != config.FeedMemory {
			pub = feed.NewBreakerPublisher(publisher, feed.DefaultBreakerConfig(), logger)
		}
		deps.Submitter = submit.NewService(orders, pub, submit.Config{
			PriceScale: cfg.PriceScale,
			Logger:     logger,
			Observer:   appMetrics,
		})
		api.RegisterRoutes(router, deps)

		srv = &http.Server{Addr: cfg.ServerPort, Handler: router}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("http server listening", zap.String("addr", cfg.ServerPort))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		cancel()
	}
	wg.Wait()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, cleanup *closers, checks map[string]api.HealthCheck) (store.OrderStore, error) {
	switch cfg.StoreBackend {
	case config.StorePebble:
		if err := os.MkdirAll(cfg.PebbleDir, 0o755); err != nil {
			return nil, err
		}
		s, err := store.OpenPebbleStore(cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = s.Close() })
		logger.Info("pebble order store opened", zap.String("dir", cfg.PebbleDir))
		return s, nil

	case config.StorePostgres:
		s, err := store.NewPostgresStore(cfg.GetPostgresDSN())
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = s.Close() })
		if err := store.NewMigrator(s.GetDB(), logger).Migrate(ctx, cfg.MigrationsDir); err != nil {
			return nil, err
		}
		checks["postgres"] = s.GetDB().PingContext
		logger.Info("postgres order store connected", zap.String("host", cfg.PostgresHost))
		return s, nil

	default:
		logger.Warn("using the in-memory order store; orders are lost on restart")
		return store.NewMemoryStore(), nil
	}
}
