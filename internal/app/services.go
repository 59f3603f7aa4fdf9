package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ngsnet/billing/internal/billing"
	"github.com/ngsnet/billing/internal/platform/cache"
	"github.com/ngsnet/billing/internal/platform/db"
	"github.com/ngsnet/billing/internal/shared"
)

// Services is the billing core wired against the configured store. The HTTP
// server and the worker share it.
type Services struct {
	Repo       billing.Repository
	Tiers      *billing.CachedTierStore
	Reconciler *billing.Reconciler
	Issuer     *billing.Issuer
	Invoices   *billing.InvoiceService
	Ledger     *billing.LedgerService
	Metrics    *billing.Metrics
	// Redis is nil when REDIS_ADDR is unreachable.
	Redis *redis.Client

	ping    func(context.Context) error
	closers []func()
}

// BuildServices opens the store and Redis and wires the billing services.
// An unreachable Redis downgrades to a lock held in this process only and no
// ledger events.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Services, error) {
	s := &Services{}
	if err := s.openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	var (
		locker   shared.Locker    = shared.NewLocalLocker()
		notifier billing.Notifier = billing.NopNotifier{}
	)
	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("redis unavailable, using in-process issuance lock and no ledger events", slog.Any("error", err))
	} else {
		s.Redis = client
		s.closers = append(s.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
		locker = shared.NewRedisLocker(client)
		notifier = billing.NewRedisNotifier(client, cfg.LedgerChannel, logger)
	}

	s.Metrics = billing.NewMetrics(registerer)
	s.Tiers = billing.NewCachedTierStore(s.Repo, cfg.TierCacheSize, cfg.TierCacheTTL)
	s.Reconciler = billing.NewReconciler(s.Repo, notifier, s.Metrics, logger)
	s.Issuer = billing.NewIssuer(s.Repo, billing.IssuerOptions{
		Tiers:           s.Tiers,
		Locker:          locker,
		Numbers:         billing.NewNumberGenerator(cfg.InvoicePrefix),
		Notifier:        notifier,
		Metrics:         s.Metrics,
		Logger:          logger,
		ExtraDeviceRate: cfg.ExtraDeviceRate,
		LockTTL:         cfg.LockTTL,
	})
	s.Invoices = billing.NewInvoiceService(s.Repo, s.Reconciler, notifier, logger)
	s.Ledger = billing.NewLedgerService(s.Repo, s.Reconciler, logger)
	return s, nil
}

func (s *Services) openStore(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		s.Repo = billing.NewMemoryRepository()
		return nil
	case StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
		if err != nil {
			return fmt.Errorf("app: open store: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("app: migrate store: %w", err)
		}
		s.Repo = billing.NewRepository(pool)
		s.ping = pool.Ping
		s.closers = append(s.closers, pool.Close)
		return nil
	default:
		return fmt.Errorf("app: unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// Handler builds the billing HTTP handler.
func (s *Services) Handler(cfg *Config, logger *slog.Logger) *billing.Handler {
	return billing.NewHandler(logger, s.Issuer, s.Invoices, s.Ledger, s.Reconciler, cfg.ExtraDeviceRate)
}

// Ready reports whether the store answers. The in-memory store is always ready.
func (s *Services) Ready(r *http.Request) error {
	if s.ping == nil {
		return nil
	}
	if err := s.ping(r.Context()); err != nil {
		return shared.StoreIO("ping", err)
	}
	return nil
}

// Close releases the store and Redis in reverse order of opening.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
