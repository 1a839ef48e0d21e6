// Command oracle is the composition root: it loads configuration, wires the
// Store, Cache, Upstream Adapter, Interpolation Engine, Resolver, Job
// Registry, Job Queue and Backfill Worker together, then serves the HTTP API
// until a shutdown signal arrives. Grounded on the teacher's cmd/main.go
// runServers — signal channel, goroutine-per-server startup, bounded
// graceful shutdown — generalized from the HTTP+MCP pair to the HTTP+worker
// pool this domain actually runs.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainprice/oracle/internal/api"
	"github.com/chainprice/oracle/internal/cache"
	"github.com/chainprice/oracle/internal/config"
	"github.com/chainprice/oracle/internal/interpolate"
	"github.com/chainprice/oracle/internal/logging"
	"github.com/chainprice/oracle/internal/queue"
	"github.com/chainprice/oracle/internal/registry"
	"github.com/chainprice/oracle/internal/resolver"
	"github.com/chainprice/oracle/internal/store"
	"github.com/chainprice/oracle/internal/upstream"
	"github.com/chainprice/oracle/internal/worker"
	"github.com/go-redsync/redsync/v4"
	goredissync "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found or error loading it: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, true)

	priceStore := buildStore(cfg, logger)
	defer priceStore.Close()

	priceCache, cacheRedisClient := buildCache(cfg, logger)
	defer priceCache.Close()
	if cacheRedisClient != nil {
		defer cacheRedisClient.Close()
	}

	spotProvider := upstream.NewCoinGeckoProvider(cfg.UpstreamAPIKey, cfg.CurrentPriceThreshold)
	transferProvider := upstream.NewRPCTransferProvider()
	interpEngine := interpolate.New(priceStore)

	res := resolver.New(priceStore, priceCache, spotProvider, interpEngine, cfg.CacheTTL, logger)

	jobQueue, queueRedisClient := buildQueue(cfg, logger)
	defer jobQueue.Close()
	if queueRedisClient != nil {
		defer queueRedisClient.Close()
	}

	reg := registry.New(jobQueue, logger)

	locker := buildLocker(cfg)
	bf := worker.New(priceStore, spotProvider, transferProvider, interpEngine, jobQueue, locker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bf.Run(ctx, cfg.WorkerConcurrency)

	server := api.NewServer(cfg.HTTPAddr, res, reg, logger)
	logger.Info().Str("address", cfg.HTTPAddr).Msg("oracle starting")

	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("http server exited with error")
	}

	logger.Info().Msg("oracle shut down")
}

func buildStore(cfg *config.Config, logger zerolog.Logger) store.Store {
	if cfg.StoreURI == "" {
		logger.Warn().Msg("STORE_URI not set, using in-memory store")
		return store.NewMemoryStore()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return store.NewPostgresStore(ctx, cfg.StoreURI, logger)
}

// buildCache returns the Cache and, when it owns one, the Redis client
// backing its L2 tier (so main can close it on shutdown).
func buildCache(cfg *config.Config, logger zerolog.Logger) (cache.Cache, *redis.Client) {
	if cfg.CacheURI == "" {
		logger.Warn().Msg("CACHE_URI not set, caching degraded to in-process only")
		tiered, err := cache.NewTieredCache(nil, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to build in-process cache")
		}
		return tiered, nil
	}

	opts, err := redis.ParseURL(cfg.CacheURI)
	if err != nil {
		logger.Error().Err(err).Msg("invalid CACHE_URI, caching degraded to in-process only")
		tiered, _ := cache.NewTieredCache(nil, logger)
		return tiered, nil
	}
	client := redis.NewClient(opts)
	tiered, err := cache.NewTieredCache(client, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build tiered cache")
	}
	return tiered, client
}

// buildQueue returns the Queue and its Redis client. The client is never nil:
// when QUEUE_URI is unset or invalid it points at an unreachable address, so
// the queue starts in degraded/unavailable mode.
func buildQueue(cfg *config.Config, logger zerolog.Logger) (queue.Queue, *redis.Client) {
	if cfg.QueueURI == "" {
		logger.Warn().Msg("QUEUE_URI not set, queue starts unavailable")
		client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
		return queue.NewRedisQueue(context.Background(), client, cfg.QueueRetryMaxAttempts, cfg.QueueRetryBaseDelay, logger), client
	}
	opts, err := redis.ParseURL(cfg.QueueURI)
	if err != nil {
		logger.Error().Err(err).Msg("invalid QUEUE_URI, queue starts unavailable")
		client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
		return queue.NewRedisQueue(context.Background(), client, cfg.QueueRetryMaxAttempts, cfg.QueueRetryBaseDelay, logger), client
	}
	client := redis.NewClient(opts)
	return queue.NewRedisQueue(context.Background(), client, cfg.QueueRetryMaxAttempts, cfg.QueueRetryBaseDelay, logger), client
}

// buildLocker constructs the redsync instance guarding per-(token,network)
// backfills. It targets the same Redis deployment as the queue, since both
// are facets of one operational dependency.
func buildLocker(cfg *config.Config) *redsync.Redsync {
	addr := "localhost:6379"
	if cfg.QueueURI != "" {
		if opts, err := redis.ParseURL(cfg.QueueURI); err == nil {
			addr = opts.Addr
		}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pool := goredissync.NewPool(client)
	return redsync.New(pool)
}
