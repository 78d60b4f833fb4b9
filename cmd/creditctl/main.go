// Command creditctl runs operator tasks against the credits database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"credits-platform/internal/config"
	"credits-platform/pkg/logger"
	"credits-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the credits ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newCatalogCmd(),
		newCreditsCmd(),
		newReportCmd(),
	)
	return root
}

// env is what database-backed commands share.
type env struct {
	cfg config.Config
	db  *sqlx.DB
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.New(cfg.App.Env, cfg.App.LogLevel))
	if err := utils.SetSnowflakeNode(int64(cfg.App.SnowflakeNode)); err != nil {
		return nil, err
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, db: db}, nil
}

func (e *env) Close() { _ = e.db.Close() }
