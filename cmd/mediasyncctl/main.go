package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-media-sync/pkg/mediasync/config"
	"github.com/tendant/simple-media-sync/pkg/mediasync/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mediasyncctl",
		Short: "Run media sync stages from the command line",
		Long: `Media sync command line interface

Runs intake, push and pull directly against the configured database, storage
and shops. Configuration is read from MEDIASYNC_* environment variables and
an optional .env file. Stages run in the foreground; no worker pool is started.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging to stderr")
	rootCmd.PersistentFlags().Bool("json", false, "print results as JSON")
	rootCmd.PersistentFlags().Duration("timeout", 0, "overall command timeout (0 leaves each stage to its own budget)")

	rootCmd.AddCommand(NewIntakeCommand())
	rootCmd.AddCommand(NewPushCommand())
	rootCmd.AddCommand(NewPullCommand())
	rootCmd.AddCommand(NewVerifyCommand())
	rootCmd.AddCommand(NewJobsCommand())
	rootCmd.AddCommand(NewConflictCommand())
	rootCmd.AddCommand(NewDestinationsCommand())

	return rootCmd
}

// openRuntime builds the service from the environment in immediate mode
func openRuntime(cmd *cobra.Command) (*config.Runtime, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(config.WithEnv(), config.WithScheduler("immediate"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := logging.Config{Level: "warn", Format: "console", Output: "stderr"}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}

	return cfg.Build(context.Background(), logger)
}

// commandContext applies the --timeout flag
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
