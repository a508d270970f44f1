package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/catalog"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/directory"
	"github.com/example/carpool/internal/dispatch"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/lifecycle"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/storage"
)

// routeStore is a store that also serves the route catalog.
type routeStore interface {
	storage.Store
	catalog.Source
}

func main() {
	cfg, cfgErr := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Error("invalid configuration", "error", cfgErr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var cache catalog.Cache = catalog.NewMemoryCache(cfg.RouteCacheTTL)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, route cache stays in process", "addr", cfg.RedisAddr, "error", err)
		} else {
			cache = catalog.NewRedisCache(rc, cfg.RouteCacheTTL, logger)
		}
	}
	routes := catalog.New(store, cache, logger)

	var events ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		events = kp
		logger.Info("publishing ride events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry()
	disp := &dispatch.Service{Store: store, Push: wsreg, Log: logger}

	srv := httpapi.NewServer(httpapi.Deps{
		Store: store,
		Matcher: &matcher.Service{
			Store:             store,
			Routes:            routes,
			Notifier:          disp,
			Events:            events,
			PlatformRatePerKm: cfg.PlatformRatePerKm,
			Log:               logger,
		},
		Lifecycle: &lifecycle.Service{
			Store:     store,
			Routes:    routes,
			Notifier:  disp,
			Incidents: disp,
			Events:    events,
			Log:       logger,
		},
		Ratings:        &rating.Service{Store: store, Notifier: disp, Log: logger},
		Directory:      &directory.Service{Store: store, Routes: routes},
		Dispatch:       disp,
		WSReg:          wsreg,
		Logger:         logger,
		RequestTimeout: cfg.WriteTimeout,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("carpool api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// openStore connects to Postgres when PG_DSN is set and falls back to the
// in-memory store for local runs.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (routeStore, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		m := storage.NewMemoryStore()
		seedDemo(m, logger)
		return m, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN, storage.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		ConnLifetime: cfg.DBConnLifetime,
		TxTimeout:    cfg.DBStatementWait,
	})
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := ps.Migrate(migrateCtx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}
