package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fedutinova/mockinterview/internal/auth"
	appconfig "github.com/fedutinova/mockinterview/internal/config"
	"github.com/fedutinova/mockinterview/internal/database"
	"github.com/spf13/cobra"
)

var cfg appconfig.Config

var rootCmd = &cobra.Command{
	Use:   "mockinterview",
	Short: "Media analysis pipeline for recorded mock interviews",
	Long: `Queues recorded interviews for AI analysis, runs the analysis workers
and pushes progress to connected clients.

Available commands:
  serve    - Start the HTTP API (optionally with in-process workers)
  worker   - Run analysis workers only
  token    - Mint a development JWT
  migrate  - Apply the embedded database migrations`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = appconfig.Load()
		setupLogger(cfg)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and notification socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		withWorker, _ := cmd.Flags().GetBool("with-worker")
		if !cmd.Flags().Changed("with-worker") {
			withWorker = cfg.RunWorker
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, withWorker)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run analysis workers without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx, cfg, metricsAddr)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development JWT",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		roles := strings.Split(role, ",")
		tok, err := auth.NewToken(cfg.JWTSecret, cfg.JWTIssuer, user, roles, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		db, err := database.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := db.Migrate(ctx)
		if err != nil {
			return err
		}
		slog.Info("migrations complete", "applied", applied)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("with-worker", true, "run analysis workers in this process (defaults to RUN_WORKER)")
	workerCmd.Flags().String("metrics-addr", "", "serve /metrics and /healthz on this address")
	tokenCmd.Flags().String("user", "", "user id placed in the token")
	tokenCmd.Flags().String("role", "user", "comma separated roles (user, admin)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, workerCmd, tokenCmd, migrateCmd)
}

func setupLogger(cfg appconfig.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
