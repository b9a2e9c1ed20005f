package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	regiond "go-regiond"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbURL      string
	listen     []string
	statusAddr string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "regiond",
		Short: "A region controller process",
		Long: `Regiond accepts persistent RPC sessions from rack controllers,
tracks them in an in-process connection registry, and advertises its
identity and endpoints to a shared PostgreSQL store so that peer region
processes and external clients can discover where to route requests.`,
		RunE: run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL (overrides config)")
	rootCmd.Flags().StringSliceVar(&listen, "listen", nil, "Addresses to accept rack sessions on (overrides config)")
	rootCmd.Flags().StringVar(&statusAddr, "status-addr", "", "Address for the status HTTP API (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var (
		ctx    = context.Background()
		config = regiond.DefaultConfig()
		err    error
	)

	if configPath != "" {
		if config, err = regiond.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if dbURL != "" {
		config.DatabaseURL = dbURL
	}
	if len(listen) > 0 {
		config.Listen = listen
	}
	if statusAddr != "" {
		config.StatusAddr = statusAddr
	}

	opts, err := config.Options()
	if err != nil {
		return err
	}

	var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	opts = append(opts, regiond.WithLogger(logger))

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var service = regiond.NewService(db, config.Listen, opts...)
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start region service: %w", err)
	}

	var status = regiond.NewStatusServer(config.StatusAddr, service)
	status.Start()

	logger.Info("regiond running",
		"listen", config.Listen,
		"status_addr", config.StatusAddr)

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	var stopCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := status.Shutdown(stopCtx); err != nil {
		logger.Error("failed to stop status server", "error", err)
	}
	if err := service.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop region service: %w", err)
	}

	return nil
}
