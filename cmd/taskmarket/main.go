package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/api"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/config"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/marketplace"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/internal/query"
	"github.com/AkshatSharma555/EngiVerse-App-sub000/pkg/market"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "taskmarket",
		Short:         "Peer-to-peer task marketplace with EngiCoin bounty escrow",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML/JSON/TOML config file")
	flags.String("database-driver", marketplace.DriverPostgres, "database driver: postgres, pgx or sqlite3")
	flags.String("database-url", "", "database connection string (env DATABASE_URL)")
	flags.Bool("debug", false, "enable debug logging (env DEBUG)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return nil, err
		}
		setupLogging(cfg)
		return cfg, nil
	}

	root.AddCommand(
		newServeCommand(load),
		newMigrateCommand(load),
		newAuditCommand(load),
		newDepositCommand(load),
		newCloseAccountCommand(load),
	)
	return root
}

type loader func(cmd *cobra.Command) (*config.Config, error)

func setupLogging(cfg *config.Config) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := marketplace.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := marketplace.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newServeCommand(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background duties",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("http-addr", ":8080", "HTTP listen address (env HTTP_ADDR)")
	cmd.Flags().Bool("distributed-mode", false, "share the database with other replicas (env DISTRIBUTED_MODE)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting task marketplace", "version", version)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	mcfg := cfg.Marketplace()
	metrics := marketplace.NewMetrics(nil)
	events := marketplace.NewBroadcaster(cfg.EventHistory)
	supervisor := marketplace.NewSupervisor(db, mcfg, marketplace.NewReplica(version), metrics)

	// The query service invalidates its cache on engine events, and reads
	// through the engine.
	var queries *query.Service
	engine := marketplace.NewEngine(db, mcfg,
		marketplace.WithMetrics(metrics),
		marketplace.WithEmitter(marketplace.MultiEmitter(
			events,
			marketplace.EmitterFunc(func(ctx context.Context, event market.Event) {
				queries.Publish(ctx, event)
			}),
		)),
	)

	var replicas *marketplace.ReplicaStore
	if mcfg.Distributed {
		replicas = supervisor.Replicas()
	}
	queries = query.NewService(engine, supervisor.Auditor(), replicas, cfg.Query())

	handler := api.NewHandler(engine, queries, events, db.PingContext)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(cfg.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr, "distributed", mcfg.Distributed)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("server error", "error", err)
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), mcfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newMigrateCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the marketplace tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
}

func newAuditCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check that no EngiCoins were created or destroyed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := marketplace.NewAuditor(db, nil).Audit(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Balanced() {
				return fmt.Errorf("coin supply drift of %d", int64(report.Drift()))
			}
			return nil
		},
	}
}

func newDepositCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <user-id> <amount>",
		Short: "Credit externally sourced EngiCoins to a user, creating the account if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount must be a whole number: %w", err)
			}

			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			entry, err := marketplace.NewLedger(db, cfg.Marketplace()).Deposit(cmd.Context(), args[0], market.Coins(amount))
			if err != nil {
				return err
			}
			return printJSON(cmd, entry)
		},
	}
}

func newCloseAccountCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "close-account <user-id>",
		Short: "Remove a user's wallet, withdrawing the remaining balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			entry, err := marketplace.NewLedger(db, cfg.Marketplace()).CloseAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, entry)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
