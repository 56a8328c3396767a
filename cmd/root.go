// Package cmd defines the CLI commands for the javbus crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/config"
	"github.com/xiaotian947859/javbus-site/internal/logging"
)

// envKeyType is the context key for the loaded environment.
type envKeyType struct{}

// env is what PersistentPreRunE hands to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadConfig is a variable so tests can inject configuration.
var loadConfig = config.Load

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "javbus",
		Short: "Catalog crawler and movie API for javbus.",
		Long: `javbus walks the paginated catalog, extracts magnet links for every
listed movie and stores complete records. Already complete movies are skipped,
incomplete ones are retried on the next run.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKeyType{}, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKeyType{}).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/TOML/JSON); env vars use the JAVBUS_ prefix")
	cmd.AddCommand(newCrawlCmd(), newServeCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKeyType{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not initialized")
	}
	return e, nil
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "javbus: %v\n", err)
		os.Exit(1)
	}
}
