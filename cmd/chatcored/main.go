package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/chatcore/app"
	"github.com/aschepis/backscratcher/chatcore/config"
	chatlogger "github.com/aschepis/backscratcher/chatcore/logger"
	"github.com/aschepis/backscratcher/chatcore/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		configPath = flag.String("config", config.DefaultPath(), "Path to config file")
		addr       = flag.String("addr", "", "Address to listen on (overrides server.addr)")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath     = flag.String("db", "", "Path to SQLite database file (overrides database.path)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if *pretty {
		cfg.Logging.Pretty = true
	}

	logger, err := chatlogger.InitWithOptions(cfg.Logging.File, cfg.Logging.Pretty && cfg.Logging.File == "")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info().
		Str("config", *configPath).
		Str("addr", cfg.Server.Addr).
		Str("db", cfg.DatabasePath()).
		Msg("chatcored starting")

	core, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close() //nolint:errcheck // No remedy for close errors on exit

	// ---------------------------
	// Background jobs
	// ---------------------------

	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	var jobs sync.WaitGroup

	retention, err := core.Retention()
	if err != nil {
		return fmt.Errorf("failed to create usage retention: %w", err)
	}
	if retention != nil {
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			retention.Start(jobsCtx)
		}()
	} else {
		logger.Info().Msg("Usage retention is disabled")
	}

	// ---------------------------
	// HTTP server
	// ---------------------------

	srv := server.New(server.Config{
		Logger:   logger,
		Gatherer: core.Gatherer(),
	}, core.Chat, core.Bus)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ServeTCP(cfg.Server.Addr)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server did not stop cleanly")
		}
	case err := <-serverErr:
		if err != nil {
			cancelJobs()
			jobs.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	cancelJobs()
	jobs.Wait()
	logger.Info().Msg("chatcored shutdown complete")
	return nil
}
