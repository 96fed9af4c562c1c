package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"rentsync/internal/api"
	"rentsync/internal/backend/postgres"
	"rentsync/internal/backend/rest"
	"rentsync/internal/config"
	"rentsync/internal/connectivity"
	"rentsync/internal/notify"
	"rentsync/internal/processor"
	"rentsync/internal/queue"
	"rentsync/internal/syncer"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "TOML config file (optional)")
		addr       = flag.String("addr", "", "HTTP bind address, overrides config")
		debug      = flag.Bool("debug", false, "serve pprof under /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rentsync: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// storage
	var (
		kv      queue.KV
		journal queue.Journal
		rdb     *r.Client
	)
	switch cfg.Storage {
	case config.StorageSQLite:
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.SQLitePath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Error().Err(err).Msg("open db")
			return 1
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := queue.EnsureSchema(db); err != nil {
			log.Error().Err(err).Msg("ensure schema")
			return 1
		}
		kv = queue.NewSQLiteKV(db)
		journal = queue.NewSQLiteJournal(db)
	case config.StorageRedis:
		rdb = redisClient(cfg)
		defer rdb.Close()
		kv = queue.NewRedisKV(rdb, "rentsync:")
	default:
		log.Warn().Msg("memory storage: queued actions are lost on restart")
		kv = queue.NewMemoryKV()
	}

	// remote backend and health probe
	var (
		backend processor.Backend
		prober  connectivity.Prober
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			log.Error().Err(err).Msg("migrate")
			return 1
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error().Err(err).Msg("connect postgres")
			return 1
		}
		defer pool.Close()
		backend = postgres.New(pool)
		prober = connectivity.ProberFunc(pool.Ping)
		if cfg.HealthURL != "" {
			prober = connectivity.NewHTTPProber(cfg.HealthURL, 0)
		}
	default:
		client, err := rest.New(cfg.BackendURL, cfg.APIKey, cfg.ActionTimeout)
		if err != nil {
			log.Error().Err(err).Msg("rest backend")
			return 1
		}
		backend = client
		hp := connectivity.NewHTTPProber(cfg.HealthURL, 0)
		if hp.URL == "" {
			hp.URL = strings.TrimRight(cfg.BackendURL, "/") + "/rest/v1/"
			if cfg.APIKey != "" {
				hp.Header = http.Header{"Apikey": {cfg.APIKey}}
			}
		}
		prober = hp
	}

	monitor := connectivity.NewMonitor(prober, false, connectivity.Options{
		Interval: cfg.ProbeInterval,
		Failures: cfg.ProbeFailures,
	})
	probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
	monitor.Probe(probeCtx)
	cancelProbe()

	feed := notify.NewFeed(100)
	notifiers := notify.Multi{feed, notify.LogSink{}}
	if cfg.NotifyChannel != "" {
		if rdb == nil {
			rdb = redisClient(cfg)
			defer rdb.Close()
		}
		notifiers = append(notifiers, notify.NewRedisPublisher(rdb, cfg.NotifyChannel))
	}

	coord := syncer.New(ctx, queue.NewStore(kv, cfg.QueueKey), processor.New(backend, cfg.ActionTimeout), monitor, syncer.Options{
		MaxRetries: cfg.MaxRetries,
		Journal:    journal,
		Notifier:   notifiers,
	})
	runner := syncer.NewRunner(coord, monitor, cfg.StabilizationDelay, cfg.RetrySchedule)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Coordinator:  coord,
			Connectivity: monitor,
			Feed:         feed,
			Journal:      journal,
			Debug:        *debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Start(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("storage", cfg.Storage).Str("backend", cfg.Backend).
			Bool("online", monitor.IsOnline()).Int("queued", coord.Len()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exit")
		return 1
	}
	return 0
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func redisClient(cfg config.Config) *r.Client {
	return r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
}
