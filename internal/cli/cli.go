// ============================================================================
// Consulta Engine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the operator command line based on Cobra framework
//
// Command Structure:
//   consultad                      # Root command
//   ├── run                        # Start the lifecycle engine
//   ├── migrate                    # Create / upgrade the SQL schema
//   ├── schedule                   # Remote ScheduleOnce via gRPC
//   ├── cancel                     # Remote Cancel via gRPC
//   ├── get                        # Remote Get via gRPC
//   ├── status                     # Config summary and remote job stats
//   ├── resolve                    # Offline resolver + policy evaluation
//   ├── wal                        # Inspect the scheduler WAL
//   │   ├── dump
//   │   ├── stats
//   │   └── validate
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --server                   # gRPC address of a running engine
//
// Configuration Management:
//   YAML file, then .env, then CONSULTA_* environment variables
//   (see internal/config).
//
// Signal Handling:
//   run captures SIGINT / SIGTERM and shuts down gracefully:
//   1. Stop the gRPC and metrics servers
//   2. Stop the scheduler (workers finish, final snapshot, WAL closed)
//   3. Close the event bus, Redis and the database
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/consulta-engine/internal/config"
	"github.com/ChuLiYu/consulta-engine/internal/server"
	"github.com/ChuLiYu/consulta-engine/internal/store"
)

var log = slog.Default()

// Version is set at build time.
var Version = "1.0.0"

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "consultad",
		Short: "Consulta: consultation lifecycle & settlement engine",
		Long: `Consulta drives consultations from booking to settlement:
- durable one-shot timers and fixed-interval sweeps (WAL + snapshot)
- canonical status resolution and the settlement policy table
- commission and credit bookkeeping with billing cutoff
- lifecycle events on Redis or AMQP`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:50051", "gRPC address of a running engine")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildMigrateCommand())
	rootCmd.AddCommand(buildScheduleCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResolveCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// migrate
// ============================================================================

func buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config, out io.Writer) error {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	fmt.Fprintf(out, "Schema up to date (%s)\n", cfg.Database.Driver)
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the configuration summary and, when the engine is reachable, job queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Consulta Engine Status                          ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Timezone:        %s\n", cfg.Timezone)
	fmt.Fprintf(out, "  ├─ Worker Count:    %d\n", cfg.Worker.Count)
	fmt.Fprintf(out, "  └─ Task Timeout:    %s\n", cfg.Worker.TaskTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "⚖️  Rules:")
	fmt.Fprintf(out, "  ├─ Grace Window:    %s\n", cfg.Rules.GraceWindow)
	fmt.Fprintf(out, "  ├─ Cancel Window:   %s\n", cfg.Rules.CancellationWindow)
	fmt.Fprintf(out, "  ├─ Billing Cutoff:  day %d\n", cfg.Rules.BillingCutoffDay)
	fmt.Fprintf(out, "  └─ Payout:          %.1f%% incorporated / %.1f%% independent\n",
		float64(cfg.Rules.PayoutIncorporatedBps)/100, float64(cfg.Rules.PayoutIndependentBps)/100)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ Database:        %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  ├─ WAL:             %s\n", cfg.Scheduler.WALPath)
	fmt.Fprintf(out, "  └─ Snapshot:        %s (every %s)\n", cfg.Scheduler.SnapshotPath, cfg.Scheduler.SnapshotInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📨 Events:")
	fmt.Fprintf(out, "  └─ Bus:             %s (debounce %s)\n", cfg.Events.Bus, cfg.Events.Debounce)
	fmt.Fprintln(out)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stats, err := remoteStats(ctx)

	fmt.Fprintln(out, "📊 Job Queue Statistics:")
	if err != nil {
		fmt.Fprintf(out, "  └─ Engine not reachable at %s (run 'consultad run' to start)\n", serverAddr)
	} else {
		total := stats["pending"] + stats["in_flight"] + stats["completed"] + stats["dead"] + stats["cancelled"]
		fmt.Fprintf(out, "  ├─ Total Jobs:     %d\n", total)
		fmt.Fprintf(out, "  ├─ ⏳ Pending:      %d\n", stats["pending"])
		fmt.Fprintf(out, "  ├─ 🔄 In-Flight:    %d\n", stats["in_flight"])
		fmt.Fprintf(out, "  ├─ ✅ Completed:    %d\n", stats["completed"])
		fmt.Fprintf(out, "  ├─ 🚫 Cancelled:    %d\n", stats["cancelled"])
		fmt.Fprintf(out, "  └─ ❌ Dead:         %d\n", stats["dead"])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func remoteStats(ctx context.Context) (map[string]int, error) {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Stats(ctx)
}
