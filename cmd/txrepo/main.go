// Command txrepo applies batches of repository operations in one transaction
// and queries stored entities.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"txrepo/internal/core"
	"txrepo/pkg/config"
	"txrepo/pkg/domain"
	"txrepo/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "txrepo",
		Short:         "Transactional repository toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (debug|info|warn|error)")
	cmd.AddCommand(newApplyCommand(flags))
	cmd.AddCommand(newFindCommand(flags))
	return cmd
}

// session bundles what every subcommand needs once configuration is loaded.
type session struct {
	ctx   context.Context
	cfg   *config.Config
	log   logger.Logger
	store domain.PersistentStore
}

func openSession(cmd *cobra.Command, flags *rootFlags) (*session, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	log := logger.NewLogger(&logger.Config{
		Level:      logger.LogLevel(cfg.Log.Level),
		Output:     cmd.ErrOrStderr(),
		JSON:       cfg.Log.JSON,
		TimeFormat: "15:04:05",
	})
	ctx = logger.ContextWithLogger(ctx, log)
	store, err := core.OpenPersistentStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &session{ctx: ctx, cfg: cfg, log: log, store: store}, nil
}

func (r *session) Close() {
	if err := r.store.Close(); err != nil {
		r.log.Error("failed to close store", "error", err)
	}
}
