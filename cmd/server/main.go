/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the eligibility engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the logger
  3. Open the directory (Odoo client or SQLite store)
  4. Create the decision cache and engine
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config          YAML config file
  --port            HTTP server port (default: 4000)
  --backend         odoo | sqlite (default: odoo)
  --sqlite-path     SQLite directory path; ":memory:" for in-memory
  --cache-ttl       Decision cache TTL (default: 24h)
  --legacy-reasons  Emit legacy reason strings
  --log-level, --log-format

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the directory
  4. Exit

EXAMPLES:
  # Against Odoo, credentials from the environment
  ODOO_URL=https://billing.example.com ODOO_DB=prod ODOO_USER=bot ODOO_APIKEY=... ./server

  # Local demo directory
  ./server --backend=sqlite --sqlite-path=":memory:" --log-format=console

SEE ALSO:
  - config/config.go: Configuration keys and environment variables
  - api/server.go: Router configuration
  - odoo/client.go: Remote directory
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/warp/eligibility-engine/api"
	"github.com/warp/eligibility-engine/config"
	"github.com/warp/eligibility-engine/eligibility"
	"github.com/warp/eligibility-engine/eligibility/store"
	"github.com/warp/eligibility-engine/logging"
	"github.com/warp/eligibility-engine/odoo"
	"github.com/warp/eligibility-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

// directory is what the handlers need from a backend.
type directory interface {
	eligibility.Directory
	api.InvoiceSource
	io.Closer
}

func run() error {
	// Flags
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	config.RegisterFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	configPath, _ := flags.GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Directory
	var dir directory
	var opts []api.HandlerOption
	switch cfg.Directory.Backend {
	case config.BackendSQLite:
		db, err := sqlite.New(cfg.Directory.SQLitePath)
		if err != nil {
			return fmt.Errorf("initialize sqlite directory: %w", err)
		}
		dir = db
		opts = append(opts, api.WithScenarios(db))
		logger.Info("using sqlite directory", zap.String("path", cfg.Directory.SQLitePath))
	default:
		client, err := odoo.New(odoo.Config{
			URL:                cfg.Odoo.URL,
			Database:           cfg.Odoo.DB,
			Username:           cfg.Odoo.User,
			APIKey:             cfg.Odoo.APIKey,
			Timeout:            cfg.Odoo.Timeout,
			InsecureSkipVerify: cfg.Odoo.InsecureSkipVerify,
			IdentityField:      cfg.Odoo.IdentityField,
			ContractTypeField:  cfg.Odoo.ContractTypeField,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize odoo client: %w", err)
		}
		dir = client
		if cfg.Odoo.InsecureSkipVerify {
			logger.Warn("odoo TLS verification disabled")
		}
		logger.Info("using odoo directory", zap.String("url", cfg.Odoo.URL), zap.String("db", cfg.Odoo.DB))
	}
	defer dir.Close()

	// Engine
	cache := store.NewMemory(cfg.Cache.TTL)
	engine := eligibility.NewEngine(dir, cache, eligibility.WithLogger(logger))

	// Router
	opts = append(opts,
		api.WithLogger(logger),
		api.WithLegacyReasons(cfg.Server.LegacyReasons),
		api.WithBackend(cfg.Directory.Backend),
	)
	handler := api.NewHandler(engine, dir, dir, opts...)
	router := api.NewRouter(handler, api.RouterConfig{CORSOrigins: cfg.Server.CORSOrigins})

	// Server
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if cfg.Server.TLSEnabled() {
			scheme = "https"
		}
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr()),
			zap.String("scheme", scheme),
			zap.Duration("cache_ttl", cache.TTL()),
		)

		var err error
		if cfg.Server.TLSEnabled() {
			err = server.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped", zap.Any("engine", engine.Stats()))
	return nil
}
