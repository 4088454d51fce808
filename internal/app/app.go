package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/soda-storefront/internal/domain/branch"
	"github.com/xenking/soda-storefront/internal/domain/inventory"
	"github.com/xenking/soda-storefront/internal/domain/order"
	"github.com/xenking/soda-storefront/internal/domain/product"
	"github.com/xenking/soda-storefront/internal/domain/user"
	"github.com/xenking/soda-storefront/internal/events"
	"github.com/xenking/soda-storefront/internal/handler"
	"github.com/xenking/soda-storefront/internal/mpesa"
	"github.com/xenking/soda-storefront/internal/session"
	"github.com/xenking/soda-storefront/internal/storage/redis"
	"github.com/xenking/soda-storefront/pkg/health"
	"github.com/xenking/soda-storefront/pkg/httpmiddleware"
)

// callbackPath is exempt from rate limiting; the provider retries in bursts.
const callbackPath = "/api/mpesa/callback"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("mpesa_env", cfg.Mpesa.Environment),
	)

	store, err := OpenStorage(ctx, lg, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	healthSvc := health.New()
	if store.Ping != nil {
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(store.Ping))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	orderOpts := []order.Option{order.WithMeterProvider(m.MeterProvider())}
	rateLimit := httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
		Skip: func(r *http.Request) bool {
			return r.URL.Path == callbackPath
		},
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(cfg.Redis.Addr)
		defer func() { _ = rdb.Close() }()

		cache := redis.New(rdb,
			redis.WithStatusTTL(cfg.Redis.StatusTTL),
			redis.WithCallbackTTL(cfg.Redis.CallbackTTL),
		)
		healthSvc.AddDependencyCheck("redis", 2*time.Second, health.PingCheck(cache))
		orderOpts = append(orderOpts, order.WithStatusCache(cache), order.WithCallbackLog(cache))
		rateLimit.Limiter = redis.NewRateLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer := events.NewProducer(cfg.Kafka, cfg.ServiceName)
		defer func() {
			if err := producer.Close(); err != nil {
				lg.Warn("Close event producer", zap.Error(err))
			}
		}()
		healthSvc.AddDependencyCheck("kafka", 3*time.Second, health.PingCheck(producer))
		orderOpts = append(orderOpts, order.WithPublisher(producer))
	}

	gateway, err := mpesa.New(cfg.Mpesa, mpesa.WithTracerProvider(m.TracerProvider()))
	if err != nil {
		return errors.Wrap(err, "create mpesa client")
	}

	sessions, err := session.NewIssuer(cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		return errors.Wrap(err, "create session issuer")
	}

	// Domain services.
	orderService, err := order.NewService(
		order.Config{
			HoldTTL:          cfg.Orders.HoldTTL,
			ManualCompletion: cfg.Orders.ManualCompletion,
			Description:      cfg.Orders.Description,
		},
		store.Products, store.Branches, store.Inventory, store.Orders, gateway,
		orderOpts...,
	)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}
	if cfg.Orders.ManualCompletion {
		lg.Warn("Manual order completion is enabled; orders can be completed without a payment confirmation")
	}

	h := handler.NewHandler(
		handler.HandlerConfig{
			CookieName:   cfg.Session.CookieName,
			SecureCookie: cfg.Session.SecureCookie,
		},
		handler.Services{
			Users:     user.NewService(store.Users, session.Hasher{}),
			Products:  product.NewService(store.Products, store.Inventory, store.Orders),
			Branches:  branch.NewService(store.Branches, store.Inventory, store.Orders),
			Inventory: inventory.NewService(store.Inventory, store.Products, store.Branches),
			Orders:    orderService,
		},
		sessions,
	)

	// Route-aware middlewares run inside the router, where chi has resolved
	// the route pattern.
	router := chi.NewRouter()
	router.Use(
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	)
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Mount("/api", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Push initiation waits on the provider for up to its client timeout.
		WriteTimeout:   cfg.Mpesa.Timeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, rateLimit),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument(cfg.ServiceName, m.TracerProvider(), m.MeterProvider()),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gCtx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	return g.Wait()
}
