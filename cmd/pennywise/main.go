// Command pennywise is the operator CLI: OAuth setup, rule management,
// reclassification and status checks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pennywise-app/pennywise/pkg/config"
	"github.com/pennywise-app/pennywise/pkg/logging"
	"github.com/pennywise-app/pennywise/pkg/store/postgres"
)

type app struct {
	configFile string
	envFile    string
	cfg        config.Config
	logger     *slog.Logger
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "pennywise",
		Short:         "Rule-based personal finance tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", os.Getenv("PENNYWISE_CONFIG"), "JSON config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file")

	root.AddCommand(
		a.setupCmd(),
		a.statusCmd(),
		a.rulesCmd(),
		a.reclassifyCmd(),
		a.dumpCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) load() error {
	cfg, err := config.Load(config.Options{File: a.configFile, EnvFile: a.envFile})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.Setup(logging.DefaultConfig())
	return nil
}

func (a *app) openStore(ctx context.Context) (*postgres.Store, error) {
	pg := a.cfg.PostgresConfig
	store, err := postgres.New(ctx, postgres.Config{
		Host:     pg.Host,
		Port:     pg.Port,
		Database: pg.Database,
		User:     pg.User,
		Password: pg.Password,
		SSLMode:  pg.SSLMode,
	}, a.logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return store, nil
}
