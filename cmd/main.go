package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/app"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/config"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/logger"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "dtiku-sync",
	Short: "Synchronize exam papers from legacy crawler tables into the canonical schema",
	Long: `A resumable sync service. Each task type runs a fixed pipeline of stages,
checkpointing its cursor on the task row so an interrupted run continues where it stopped.
Without a subcommand it listens for task triggers and runs them on a worker pool.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var runCmd = &cobra.Command{
	Use:       "run <type>",
	Short:     "Run one task in the foreground until it finishes",
	Args:      cobra.ExactArgs(1),
	ValidArgs: typeNames(),
	RunE:      runOnce,
}

var activateCmd = &cobra.Command{
	Use:       "activate <type>",
	Short:     "Activate a task and publish its trigger",
	Args:      cobra.ExactArgs(1),
	ValidArgs: typeNames(),
	RunE:      runActivate,
}

var deactivateCmd = &cobra.Command{
	Use:       "deactivate <type>",
	Short:     "Deactivate a task; a running task stops at its next checkpoint",
	Args:      cobra.ExactArgs(1),
	ValidArgs: typeNames(),
	RunE:      runDeactivate,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List every task type with its stored state",
	Args:  cobra.NoArgs,
	RunE:  runTasks,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	config.BindFlags(rootCmd.PersistentFlags())

	runCmd.Flags().Bool("reset", false, "Drop the stored checkpoint before running")
	activateCmd.Flags().Bool("reset", false, "Drop the stored checkpoint before activating")

	rootCmd.AddCommand(runCmd, activateCmd, deactivateCmd, tasksCmd)
}

func typeNames() []string {
	var names []string
	for _, ty := range task.Types() {
		names = append(names, ty.String())
	}
	return names
}

// setup loads configuration and builds the application
func setup(ctx context.Context, cmd *cobra.Command) (*app.App, *zap.Logger, error) {
	path := configFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// withApp runs fn with a configured application and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, log *zap.Logger) error) error {
	application, log, err := setup(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	err = fn(ctx, application, log)

	if closeErr := application.Close(); closeErr != nil {
		log.Error("Error closing application", zap.Error(closeErr))
	}
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
		return a.Serve(ctx)
	})
}

func runOnce(cmd *cobra.Command, args []string) error {
	ty, err := task.ParseType(args[0])
	if err != nil {
		return err
	}
	reset, _ := cmd.Flags().GetBool("reset")

	return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
		final, err := a.RunOnce(ctx, ty, reset)
		if final != nil {
			log.Info("Task state",
				zap.String("task_type", ty.String()),
				zap.Bool("active", final.Active),
				zap.Int64("run_count", final.RunCount),
				zap.Int64("error_count", final.ErrorCount))
		}
		return err
	})
}

func runActivate(cmd *cobra.Command, args []string) error {
	ty, err := task.ParseType(args[0])
	if err != nil {
		return err
	}
	reset, _ := cmd.Flags().GetBool("reset")

	return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
		t, err := a.Activate(ctx, ty, reset)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s activated (version %d)\n", t.Type, t.Version)
		return nil
	})
}

func runDeactivate(cmd *cobra.Command, args []string) error {
	ty, err := task.ParseType(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
		t, err := a.Deactivate(ctx, ty)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s deactivated (version %d)\n", t.Type, t.Version)
		return nil
	})
}

func runTasks(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
		entries, err := a.ListTasks(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tDESCRIPTION\tCONFIGURED\tACTIVE\tSTAGE\tCURSOR\tRUNS\tERRORS\tMODIFIED\tLAST ERROR")
		for _, e := range entries {
			active, stage, cursor, runs, errs, modified, cause := "-", "-", "-", "0", "0", "-", ""
			if t := e.Task; t != nil {
				active = fmt.Sprint(t.Active)
				runs = fmt.Sprint(t.RunCount)
				errs = fmt.Sprint(t.ErrorCount)
				modified = t.Modified.Local().Format(time.DateTime)
				if t.ErrorCause != nil {
					cause = *t.ErrorCause
				}
			}
			if cp := e.Checkpoint; cp != nil {
				stage = string(cp.Stage)
				cursor = fmt.Sprintf("%d/%d", cp.Cursor, cp.Total)
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Type, e.Description, e.Configured, active, stage, cursor, runs, errs, modified, cause)
		}
		return w.Flush()
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
