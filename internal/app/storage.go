package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/domain/user"
	"github.com/xenking/soda-storefront/internal/storage/memory"
	"github.com/xenking/soda-storefront/internal/storage/postgres"
	"github.com/xenking/soda-storefront/pkg/health"
)

// stockStore is what the catalog services and the order flow need from the
// inventory repository.
type stockStore interface {
	inventory.Repository
	branch.StockSeeder
	product.StockSeeder
}

// orderStore is the order repository plus the usage checks that guard
// catalog deletes.
type orderStore interface {
	order.Repository
	branch.UsageChecker
	product.UsageChecker
}

// Storage is the set of repositories backing the domain services.
type Storage struct {
	Users     user.Repository
	Branches  branch.Repository
	Products  product.Repository
	Inventory stockStore
	Orders    orderStore

	// Ping reports storage health; nil for the in-memory driver.
	Ping health.Pinger

	close func()
}

// Close releases storage resources.
func (s *Storage) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStorage connects the configured storage driver and applies migrations
// when enabled.
func OpenStorage(ctx context.Context, lg *zap.Logger, cfg StorageConfig) (*Storage, error) {
	switch cfg.Driver {
	case DriverMemory:
		lg.Warn("Using in-memory storage, data is lost on restart")
		st := memory.New()
		return &Storage{
			Users:     st.Users(),
			Branches:  st.Branches(),
			Products:  st.Products(),
			Inventory: st.Inventory(),
			Orders:    st.Orders(),
		}, nil
	case DriverPostgres:
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.Migrate {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, errors.Wrap(err, "run migrations")
		}
		lg.Info("Migrations applied")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	return &Storage{
		Users:     postgres.NewUserRepository(pool),
		Branches:  postgres.NewBranchRepository(pool),
		Products:  postgres.NewProductRepository(pool),
		Inventory: postgres.NewInventoryRepository(pool),
		Orders:    postgres.NewOrderRepository(pool),
		Ping:      pool,
		close:     pool.Close,
	}, nil
}
