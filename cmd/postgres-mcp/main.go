package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/postgres-mcp/internal/config"
	"github.com/malbeclabs/postgres-mcp/internal/db"
	"github.com/malbeclabs/postgres-mcp/internal/logger"
	"github.com/malbeclabs/postgres-mcp/internal/metrics"
	"github.com/malbeclabs/postgres-mcp/internal/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8010"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", config.DefaultPath, "path to the database YAML config file")
	envFileFlag := flag.String("env-file", config.DefaultEnvFile, "dotenv file loaded before reading the config (skipped if missing)")
	transportFlag := flag.String("transport", server.TransportStdio, "MCP transport (stdio, http)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address (http transport only)")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (disabled if empty)")
	toolsFlag := flag.StringSlice("tools", nil, "tools to register (default all: execute_query, get_table_names, get_table_schema)")
	allowEmptyFlag := flag.Bool("allow-empty-results", false, "report zero-row results as success instead of failure")
	flag.Parse()

	// stdout carries the protocol under stdio.
	var logOut io.Writer = os.Stdout
	if *transportFlag == server.TransportStdio {
		logOut = os.Stderr
	}
	log := logger.New(logOut, *verboseFlag)

	if err := config.LoadEnvFile(*envFileFlag); err != nil {
		return err
	}
	dbConfig, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	database, err := db.Connect(ctx, dbConfig.DBConfig(log))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	srv, err := server.New(server.Config{
		Logger:            log,
		DB:                database,
		Version:           version,
		Transport:         *transportFlag,
		ListenAddr:        *listenAddrFlag,
		Tools:             *toolsFlag,
		AllowEmptyResults: *allowEmptyFlag,
		AllowedTokens:     server.AllowedTokensFromEnv(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return <-serverErrCh
	case err := <-serverErrCh:
		return err
	case err := <-metricsServerErrCh:
		return err
	}
}
