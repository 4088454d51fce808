package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appkg "github.com/xenking/soda-storefront/internal/app"
	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/domain/user"
	"github.com/xenking/soda-storefront/internal/session"
)

type branchJSON struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	Code          string `json:"code"`
	IsHeadquarter bool   `json:"isHeadquarter"`
}

type productJSON struct {
	Name     string          `json:"name"`
	Brand    string          `json:"brand"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Image    string          `json:"image"`
}

type catalog struct {
	Branches []branchJSON  `json:"branches"`
	Products []productJSON `json:"products"`
}

type options struct {
	stock         int
	adminName     string
	adminEmail    string
	adminPassword string
}

type services struct {
	users     *user.Service
	branches  *branch.Service
	products  *product.Service
	inventory *inventory.Service
}

func main() {
	_ = godotenv.Load()

	var (
		databaseURL string
		catalogFile string
		opts        options
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to the branches and products JSON file")
	flag.IntVar(&opts.stock, "stock", 100, "starting quantity for empty inventory records")
	flag.StringVar(&opts.adminName, "admin-name", "Store Admin", "admin display name")
	flag.StringVar(&opts.adminEmail, "admin-email", "", "admin email to create (or STORE_SEED_ADMIN_EMAIL env)")
	flag.StringVar(&opts.adminPassword, "admin-password", "", "admin password (or STORE_SEED_ADMIN_PASSWORD env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.adminEmail == "" {
		opts.adminEmail = os.Getenv("STORE_SEED_ADMIN_EMAIL")
	}
	if opts.adminPassword == "" {
		opts.adminPassword = os.Getenv("STORE_SEED_ADMIN_PASSWORD")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, catalogFile, opts); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, catalogFile string, opts options) error {
	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var c catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	store, err := appkg.OpenStorage(ctx, lg, appkg.StorageConfig{
		Driver:      appkg.DriverPostgres,
		DatabaseURL: databaseURL,
		Migrate:     true,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	return seed(ctx, lg, newServices(store), c, opts)
}

func newServices(store *appkg.Storage) services {
	return services{
		users:     user.NewService(store.Users, session.Hasher{}),
		branches:  branch.NewService(store.Branches, store.Inventory, store.Orders),
		products:  product.NewService(store.Products, store.Inventory, store.Orders),
		inventory: inventory.NewService(store.Inventory, store.Products, store.Branches),
	}
}

// seed creates missing branches and products, fills empty inventory records
// with the starting quantity, and creates the admin account when requested.
// Running it again only fills what is still missing.
func seed(ctx context.Context, lg *zap.Logger, svc services, c catalog, opts options) error {
	if err := seedBranches(ctx, lg, svc.branches, c.Branches); err != nil {
		return errors.Wrap(err, "seed branches")
	}
	if err := seedProducts(ctx, lg, svc.products, c.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedStock(ctx, lg, svc, opts.stock); err != nil {
		return errors.Wrap(err, "seed stock")
	}
	if opts.adminEmail == "" {
		return nil
	}

	admin, created, err := svc.users.CreateAdmin(ctx, user.Registration{
		Name:     opts.adminName,
		Email:    opts.adminEmail,
		Password: opts.adminPassword,
	})
	if err != nil {
		return errors.Wrap(err, "create admin")
	}
	lg.Info("Admin account", zap.String("email", admin.Email), zap.Bool("created", created))
	return nil
}

func seedBranches(ctx context.Context, lg *zap.Logger, svc *branch.Service, branches []branchJSON) error {
	existing, err := svc.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(existing))
	for _, b := range existing {
		known[b.Code] = struct{}{}
	}

	for _, b := range branches {
		in := branch.Input{Name: b.Name, Location: b.Location, Code: b.Code, IsHeadquarter: b.IsHeadquarter}
		in.Normalize()
		if _, ok := known[in.Code]; ok {
			continue
		}
		created, err := svc.Create(ctx, in)
		if err != nil {
			return errors.Wrapf(err, "create branch %s", in.Code)
		}
		lg.Info("Created branch", zap.String("id", created.ID), zap.String("code", created.Code))
	}
	return nil
}

func seedProducts(ctx context.Context, lg *zap.Logger, svc *product.Service, products []productJSON) error {
	existing, err := svc.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		known[p.Name] = struct{}{}
	}

	for _, p := range products {
		if _, ok := known[p.Name]; ok {
			continue
		}
		created, err := svc.Create(ctx, product.Input{
			Name:     p.Name,
			Brand:    p.Brand,
			Category: p.Category,
			Price:    p.Price,
			Image:    p.Image,
		})
		if err != nil {
			return errors.Wrapf(err, "create product %s", p.Name)
		}
		lg.Info("Created product", zap.String("id", created.ID), zap.String("name", created.Name))
	}
	return nil
}

// seedStock sets every zero-quantity record to qty, one branch per goroutine.
func seedStock(ctx context.Context, lg *zap.Logger, svc services, qty int) error {
	if qty <= 0 {
		return nil
	}
	branches, err := svc.branches.List(ctx)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, b := range branches {
		g.Go(func() error {
			entries, err := svc.inventory.List(gCtx, inventory.Filter{BranchID: b.ID})
			if err != nil {
				return errors.Wrapf(err, "list inventory of %s", b.Code)
			}
			filled := 0
			for _, e := range entries {
				if e.Quantity != 0 {
					continue
				}
				if _, err := svc.inventory.Set(gCtx, inventory.Adjustment{
					ProductID: e.ProductID,
					BranchID:  b.ID,
					Quantity:  qty,
				}); err != nil {
					return errors.Wrapf(err, "set stock of %s at %s", e.ProductID, b.Code)
				}
				filled++
			}
			lg.Info("Stocked branch", zap.String("code", b.Code), zap.Int("records", filled))
			return nil
		})
	}
	return g.Wait()
}
