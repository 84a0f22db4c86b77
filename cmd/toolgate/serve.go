package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/artpar/toolgate/adapters/clock"
	"github.com/artpar/toolgate/adapters/idgen"
	"github.com/artpar/toolgate/adapters/memory"
	"github.com/artpar/toolgate/adapters/metrics"
	"github.com/artpar/toolgate/adapters/mysql"
	"github.com/artpar/toolgate/adapters/payment"
	"github.com/artpar/toolgate/adapters/postgres"
	"github.com/artpar/toolgate/adapters/sqlite"
	"github.com/artpar/toolgate/app"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/ports"
	"github.com/artpar/toolgate/web"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the billing gate server",
	Long: `Start the toolgate server.

The server will:
  - Load configuration from toolgate.yaml (or --config)
  - Open the configured storage backend and run migrations
  - Serve the before/after invocation hooks and payment webhooks
  - Retry deferred webhook events and sweep expired reservations

Environment variables override file configuration:
  TOOLGATE_STORAGE_DRIVER    - sqlite, postgres, mysql or memory
  TOOLGATE_STORAGE_DSN       - database path or DSN
  TOOLGATE_BILLING_MODEL     - per_call, subscription, usage_based, freemium, credit
  TOOLGATE_PAYMENT_PROVIDER  - stripe, dummy or none
  TOOLGATE_LOG_LEVEL         - debug, info, warn, error

Examples:
  toolgate serve
  toolgate serve --config /etc/toolgate/config.yaml
  toolgate serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()

	holder, err := config.NewHolder(cfgFile, bootLog)
	if err != nil {
		return err
	}
	cfg := holder.Get()

	log := newLogger(cfg.Logging)
	if hotReload {
		if err := holder.WatchFile(); err != nil {
			log.Warn().Err(err).Msg("config file watch unavailable")
		}
		holder.WatchSignals()
	}
	defer holder.Stop()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Storage.Driver).Msg("storage ready")

	provider, err := payment.NewProvider(cfg.Payment)
	if err != nil {
		return fmt.Errorf("payment provider: %w", err)
	}
	log.Info().Str("provider", provider.Name()).Msg("payment provider ready")

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)

	clk := clock.Real{}
	ids := idgen.UUID{}

	accounts := app.NewAccounts(store, provider, clk, ids, log)
	gate := app.NewGate(store, holder, accounts, clk, ids, collector, log)
	recorder := app.NewRecorder(store, holder, provider, clk, ids, collector, log)
	processor := app.NewProcessor(store, holder, provider, clk, ids, collector, log)
	sweeper := app.NewSweeper(store, holder, recorder, clk, collector, log)

	handler := web.NewHandler(web.Deps{
		Gate:     gate,
		Recorder: recorder,
		Accounts: accounts,
		Webhooks: processor,
		Payment:  provider,
		Store:    store,
		Config:   holder,
		Gatherer: registry,
		Logger:   log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(ctx)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// openStore opens the configured storage backend and runs migrations.
func openStore(cfg config.StorageConfig) (ports.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return sqlite.NewStore(db), nil

	case "postgres":
		db, err := postgres.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return postgres.NewStore(db), nil

	case "mysql":
		db, err := mysql.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return mysql.NewStore(db), nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
