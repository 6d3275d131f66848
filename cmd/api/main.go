package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nft-marketplace-api/internal/cache"
	"nft-marketplace-api/internal/chain"
	"nft-marketplace-api/internal/config"
	"nft-marketplace-api/internal/devnet"
	"nft-marketplace-api/internal/events"
	"nft-marketplace-api/internal/handler"
	"nft-marketplace-api/internal/metrics"
	"nft-marketplace-api/internal/middleware"
	"nft-marketplace-api/internal/repository"
	"nft-marketplace-api/internal/router"
	"nft-marketplace-api/internal/service"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Default operator address of the devnet marketplace.
var devnetMarketplace = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")

func openStore(cfg config.StoreConfig) (repository.Store, error) {
	switch cfg.Type {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "postgres":
		return repository.NewPostgresStore(cfg.PostgresDSN())
	case "mysql":
		return repository.NewMySQLStore(cfg.MySQLDSN())
	default: // sqlite
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return repository.NewSQLiteStore(cfg.Path)
	}
}

// collaborators returns the asset registry and payer for the chain mode,
// plus a cleanup func.
func collaborators(ctx context.Context, cfg config.ChainConfig, log logrus.FieldLogger) (service.AssetRegistry, service.Payer, func(), error) {
	if cfg.Mode == "ethereum" {
		bc, err := chain.NewBlockchainClient(ctx, cfg.RPCURL, cfg.OperatorKey, cfg.ConfirmTimeout)
		if err != nil {
			return nil, nil, nil, err
		}
		block, err := bc.GetLatestBlockNumber(ctx)
		if err != nil {
			bc.Close()
			return nil, nil, nil, fmt.Errorf("failed to reach chain: %w", err)
		}
		log.WithFields(logrus.Fields{
			"chain_id": bc.ChainID(),
			"block":    block,
			"operator": bc.Operator().Hex(),
		}).Info("Connected to Ethereum node")
		// Payments consumed before a restart are not remembered, so only
		// payments mined from the next block on are accepted.
		return chain.NewERC721Registry(bc), chain.NewNativePayer(bc, block+1), bc.Close, nil
	}

	marketplace := devnetMarketplace
	if cfg.MarketplaceAddress != "" {
		marketplace = common.HexToAddress(cfg.MarketplaceAddress)
	}

	var fixture *devnet.Fixture
	if cfg.FixturePath != "" {
		f, err := devnet.LoadFixture(cfg.FixturePath)
		if err != nil {
			return nil, nil, nil, err
		}
		fixture = f
		marketplace = f.MarketplaceAddress(marketplace)
	}

	reg := devnet.NewRegistry(marketplace)
	wallet := devnet.NewWallet()
	if fixture != nil {
		if err := fixture.Apply(reg, wallet); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to apply fixture: %w", err)
		}
		log.WithField("path", cfg.FixturePath).Info("Devnet fixture applied")
	}
	log.WithField("marketplace", marketplace.Hex()).Info("Devnet collaborators initialized")
	return reg, wallet, func() {}, nil
}

func main() {
	cfg := config.MustLoad()
	log := config.NewLogger(cfg.App)
	log.WithField("environment", cfg.App.Environment).Info("Starting NFT marketplace API...")

	store, err := openStore(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize store")
	}
	log.WithField("type", cfg.Store.Type).Info("Store initialized")

	// Redis backs sessions when CACHE_TYPE=redis and the event stream
	// whenever it is reachable.
	var redisClient *redis.Client
	redisClient, err = cache.NewRedisClient(cache.RedisConfig{
		Addr:     cfg.Cache.RedisAddress(),
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	if err != nil {
		if cfg.Cache.Type == "redis" {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		log.WithError(err).Warn("Redis unavailable, event stream disabled")
		redisClient = nil
	} else {
		log.Info("Redis client initialized")
	}

	var sessions cache.Cache
	var memCache *cache.MemoryCache
	if cfg.Cache.Type == "redis" {
		sessions = cache.NewRedisCache(redisClient, cfg.Cache.RedisPrefix)
	} else {
		memCache = cache.NewMemoryCache()
		sessions = memCache
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	registry, payer, closeChain, err := collaborators(ctx, cfg.Chain, log)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize chain collaborators")
	}

	m := metrics.New()

	hub := events.NewHub(64, log)
	publishers := events.Multi{hub}
	if redisClient != nil {
		publishers = append(publishers, events.NewRedisStream(redisClient, cfg.Relay.Stream, cfg.Relay.MaxLen))
	}

	opts := []service.Option{service.WithLogger(log), service.WithMetrics(m)}

	var relay *service.EventRelay
	if cfg.Relay.Enabled {
		relay = service.NewEventRelay(store, publishers, service.RelayConfig{
			Interval:  cfg.Relay.Interval,
			BatchSize: cfg.Relay.BatchSize,
			Cursor:    service.DefaultRelayConfig().Cursor,
		}, m, log)
		opts = append(opts, service.WithCommitHook(relay.Wake))
	}

	market := service.NewMarketplaceService(store, registry, payer, opts...)
	tokens := service.NewTokenService(sessions, cfg.Cache.TokenTTL, log)
	auth := service.NewAuthService(sessions, tokens, cfg.App.Name, log)

	r := router.New(router.Config{
		Handler:            handler.New(cfg.App.Name, cfg.App.Version, store),
		MarketplaceHandler: handler.NewMarketplaceHandler(market, log),
		EventsHandler:      handler.NewEventsHandler(store, hub, log),
		AuthHandler:        handler.NewAuthHandler(auth, tokens, log),
		AdminHandler:       handler.NewAdminHandler(store, cfg.Store.Type, relay, hub),
		Metrics:            m.Handler(),
		AccountMiddleware: middleware.RequireAccount(middleware.AuthConfig{
			Tokens:  tokens,
			APIKeys: cfg.App.APIKeys,
		}),
		AdminMiddleware: middleware.RequireLoginKey(cfg.App.LoginKey),
		Logger:          log,
	})

	if relay != nil {
		relay.Start()
		log.WithField("interval", cfg.Relay.Interval).Info("Event relay started")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", cfg.Server.Address()).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}

	// Stop the relay before closing what it publishes to, then publish
	// whatever the last requests committed.
	if relay != nil {
		relay.Stop()
		if n, err := relay.RunNow(ctx); err != nil {
			log.WithError(err).Warn("Final relay run failed")
		} else if n > 0 {
			log.WithField("published", n).Info("Flushed pending events")
		}
	}
	hub.Close()
	if memCache != nil {
		memCache.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	closeChain()
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("Store close error")
	}

	log.Info("Server stopped")
}
