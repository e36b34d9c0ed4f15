/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the progress engine server, and exposes the
  operator commands that share its wiring.

COMMANDS:
  serve                      HTTP API plus the periodic gift trigger
  gifts run                  Fire (or --dry-run) due gift occurrences once
  snapshots rebuild <key>    Discard and recompute a cycle's leaderboards
  cycle [instant]            Show the cycle key and window for an instant
  session create <user>      Issue a bearer token
  roles grant <user> <role>  Grant admin, coach or classroom

GLOBAL FLAGS:
  --config     YAML config path (default: progress.yaml; missing = defaults)
  --port       HTTP server port, overrides server.port
  --db         SQLite database path, overrides store.path
               Use ":memory:" for in-memory database
  --log-level  debug|info|warn|error, overrides log.level

STARTUP SEQUENCE (serve):
  1. Load config, apply flag overrides
  2. Initialize SQLite store (fixed schema version)
  3. Build the shared cycle resolver and the domain services
  4. Seed configured gift rules that are not stored yet
  5. Start the gift trigger and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the gift trigger (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config=progress.yaml
  ./server gifts run --dry-run --now=2024-06-08T00:00:00Z
  ./server roles grant alice admin && ./server session create alice

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration file
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/progress-engine/access"
	"github.com/warp/progress-engine/api"
	"github.com/warp/progress-engine/config"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/countdown"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/gifts"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/logging"
	"github.com/warp/progress-engine/redeem"
	"github.com/warp/progress-engine/store/sqlite"
)

var log = logging.New("Server")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// ROOT
// =============================================================================

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Port       int
	DBPath     string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Progress engine - leaderboards, daily redeem, gifts and skill countdowns",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "progress.yaml", "YAML config path")
	cmd.PersistentFlags().IntVar(&opts.Port, "port", 0, "HTTP server port (overrides server.port)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides store.path)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (overrides log.level)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newGiftsCommand(opts))
	cmd.AddCommand(newSnapshotsCommand(opts))
	cmd.AddCommand(newCycleCommand(opts))
	cmd.AddCommand(newSessionCommand(opts))
	cmd.AddCommand(newRolesCommand(opts))

	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

// app is everything a command needs, built from one config.
type app struct {
	cfg      *config.Config
	store    *sqlite.Store
	cycles   *cycle.Resolver
	access   *access.Resolver
	boards   *leaderboard.Service
	redeem   *redeem.Engine
	gifts    *gifts.Scheduler
	countdwn *countdown.Processor
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.DBPath != "" {
		cfg.Store.Path = opts.DBPath
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Cycle.ToPolicy()
	if err != nil {
		return nil, err
	}
	cycles, err := cycle.NewResolver(policy, core.SystemClock{})
	if err != nil {
		return nil, err
	}
	redeemCfg, err := cfg.Redeem.ToEngineConfig()
	if err != nil {
		return nil, err
	}
	penalty, err := cfg.Countdown.DefaultPenalty()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	acl := access.NewResolver(store, cfg.Access.BatchMode())
	boards := leaderboard.NewService(store, cycles, cfg.Leaderboards())

	return &app{
		cfg:      cfg,
		store:    store,
		cycles:   cycles,
		access:   acl,
		boards:   boards,
		redeem:   redeem.NewEngine(store, boards, cycles, redeemCfg),
		gifts:    gifts.NewScheduler(store, boards, cycles, cfg.Gifts.MaxCatchUp),
		countdwn: countdown.NewProcessor(store, acl, cycles, penalty),
	}, nil
}

func (a *app) Close() error { return a.store.Close() }

// =============================================================================
// SERVE
// =============================================================================

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic gift trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if _, err := a.gifts.Seed(ctx, a.cfg.Gifts.SeedRules()); err != nil {
		return fmt.Errorf("seed gift rules: %w", err)
	}

	trigger := api.NewGiftTrigger(a.gifts, a.cycles.Clock(), a.cfg.Gifts.TriggerInterval)
	handler := api.NewHandler(api.Services{
		Store:      a.store,
		Directory:  a.store,
		Cycles:     a.cycles,
		Access:     a.access,
		Boards:     a.boards,
		Redeem:     a.redeem,
		Gifts:      a.gifts,
		Countdown:  a.countdwn,
		Trigger:    trigger,
		SessionTTL: a.cfg.Server.SessionTTL,
	})
	router := api.NewRouter(handler, a.cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Server starting on http://localhost:%d (cycle policy %s)", a.cfg.Server.Port, a.cycles.Policy())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	trigger.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		trigger.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Infof("Shutting down server...")
	trigger.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Infof("Server stopped")
	return nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
