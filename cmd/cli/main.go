package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolsascode/sqlmigrate/internal/config"
	"github.com/toolsascode/sqlmigrate/internal/db"
	"github.com/toolsascode/sqlmigrate/internal/executor"
	"github.com/toolsascode/sqlmigrate/internal/ledger/sqlledger"
	"github.com/toolsascode/sqlmigrate/internal/lock"
	"github.com/toolsascode/sqlmigrate/internal/planner"
	"github.com/toolsascode/sqlmigrate/internal/runner"
)

var (
	configFile string
	pathFlag   string
	moduleFlag string
)

var rootCmd = &cobra.Command{
	Use:   "sqlmigrate",
	Short: "sqlmigrate - versioned SQL schema migrations",
	Long: `sqlmigrate discovers versioned SQL migration files, applies them to a
target database exactly once, and records every outcome in the
schema_migrations ledger. Concurrent invocations are serialized through a
database-level lock, so it is safe to run from every host of a rolling
deploy.

Migration layout:
  {path}/{module}/{version}_{name}.sql        forward migration
  {path}/{module}/{version}_{name}.down.sql   optional reverse migration

where version is a 14-digit YYYYMMDDhhmmss timestamp.`,
	Version: "1.0.0",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report applied and pending migrations without executing anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, planner.Request{Command: planner.CommandStatus})
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations in version order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := cmd.Flags().GetInt("count")
		if err != nil {
			return err
		}
		return run(cmd, planner.Request{Command: planner.CommandUp, Count: count})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations (default: 1)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := cmd.Flags().GetInt("count")
		if err != nil {
			return err
		}
		return run(cmd, planner.Request{Command: planner.CommandDown, Count: count})
	},
}

var toCmd = &cobra.Command{
	Use:   "to <version>",
	Short: "Migrate to an exact version, rolling back or applying as needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, planner.Request{Command: planner.CommandTo, TargetVersion: args[0]})
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Roll back and re-apply the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, planner.Request{Command: planner.CommandRedo})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check recorded checksums against the files on disk",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, planner.Request{Command: planner.CommandVerify})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force-release the migration lock left by a crashed process",
	Long: `unlock evicts the current migration lock holder unconditionally.

Only use this after confirming the holder is dead: force-releasing a live
holder's lock removes the guarantee that migrations run exactly once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.runner.ForceUnlock(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("migration lock released")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML config file (default: environment variables)")
	rootCmd.PersistentFlags().StringVarP(&pathFlag, "path", "p", "", "Migration directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&moduleFlag, "module", "m", "", "Restrict to a single module (overrides config)")

	// Each command owns its flag storage: a shared variable would take its
	// default from whichever command registered last.
	upCmd.Flags().Int("count", 0, "Apply at most N pending migrations (0 = all)")
	upCmd.Flags().Bool("dry-run", false, "Report the plan without executing")
	downCmd.Flags().Int("count", 1, "Roll back the N most recent migrations")
	downCmd.Flags().Bool("dry-run", false, "Report the plan without executing")
	toCmd.Flags().Bool("dry-run", false, "Report the plan without executing")
	redoCmd.Flags().Bool("dry-run", false, "Report the plan without executing")

	rootCmd.AddCommand(statusCmd, upCmd, downCmd, toCmd, redoCmd, verifyCmd, unlockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// engine bundles the wired collaborators for one CLI invocation
type engine struct {
	runner *runner.Runner
	close  func()
}

func newEngine(ctx context.Context, dryRun bool) (*engine, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if pathFlag != "" {
		cfg.Migrations.Path = pathFlag
	}
	if moduleFlag != "" {
		cfg.Migrations.Module = moduleFlag
	}

	handle, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := cfg.Dialect()
	r := runner.New(runner.Options{
		Ledger:      sqlledger.New(handle, d),
		Lock:        lock.New(handle, d, cfg.Database.Database, cfg.RowlockTTL()),
		Executor:    executor.New(handle, d),
		BasePath:    cfg.Migrations.Path,
		Module:      cfg.Migrations.Module,
		LockTimeout: cfg.LockTimeout(),
		DryRun:      dryRun,
	})

	return &engine{
		runner: r,
		close:  func() { _ = handle.Close() },
	}, nil
}

func run(cmd *cobra.Command, req planner.Request) error {
	dryRun := false
	if cmd.Flags().Lookup("dry-run") != nil {
		var err error
		if dryRun, err = cmd.Flags().GetBool("dry-run"); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	eng, err := newEngine(ctx, dryRun)
	if err != nil {
		return err
	}
	defer eng.close()

	result, err := eng.runner.Run(ctx, req)
	if err != nil {
		var lockTimeout *runner.LockTimeoutError
		if errors.As(err, &lockTimeout) {
			return fmt.Errorf("%w (another process may be migrating; retry later or run 'sqlmigrate unlock' if the holder crashed)", err)
		}
		return err
	}

	printResult(result)
	if !result.Success {
		return fmt.Errorf("%d migration(s) failed", result.FailureCount)
	}
	return nil
}

// printResult renders the aggregate result for a human
func printResult(result *runner.Result) {
	if result.LockStatus != nil && result.LockStatus.Locked {
		fmt.Printf("lock was held by %s (since %s)\n",
			result.LockStatus.HolderID, result.LockStatus.AcquiredAt.Format("2006-01-02 15:04:05"))
	}

	for _, item := range result.Items {
		fmt.Printf("%-14s %-12s %-30s %-13s %s", item.Version, item.Module, item.Name, item.Outcome, item.Reason)
		if item.ExecutionTimeMs > 0 {
			fmt.Printf(" (%dms)", item.ExecutionTimeMs)
		}
		fmt.Println()
	}

	if result.Plan != nil {
		fmt.Printf("\nplan: %d total, %d apply, %d rollback, %d skip\n",
			result.Plan.Total, result.Plan.Apply, result.Plan.Rollback, result.Plan.Skip)
	}
	fmt.Printf("result: %d succeeded, %d failed", result.SuccessCount, result.FailureCount)
	if result.DriftCount > 0 {
		fmt.Printf(", %d checksum drift(s)", result.DriftCount)
	}
	fmt.Printf(" in %dms\n", result.TotalTimeMs)
}
