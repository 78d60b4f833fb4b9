package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"credits-platform/internal/audit"
	"credits-platform/internal/billing"
	"credits-platform/internal/credits"
	"credits-platform/internal/pricing"
	"credits-platform/internal/rbac"
	"credits-platform/internal/reporting"
	"credits-platform/migrations"
	"credits-platform/pkg/utils"

	"github.com/spf13/cobra"
)

const operatorID = "creditctl"

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			if err := utils.RunMigrations(e.db.DB, migrations.FS, migrations.Dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Product catalog tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Check a catalog file and list its active products",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := pricing.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			products, err := c.ListProducts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range products {
				fmt.Fprintf(out, "%s\t%s\t%d credits\t%d price(s)\n", p.ID, p.Type, p.Credits, len(p.Prices))
			}
			fmt.Fprintf(out, "%d active product(s)\n", len(products))
			return nil
		},
	})
	return cmd
}

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust user credits",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance [user-id]",
		Short: "Show a user's usable balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			bal, err := e.ledger().GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": args[0], "balance": bal})
		},
	})

	var (
		userID    string
		amount    int64
		validDays int
		reason    string
		key       string
	)
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" || key == "" {
				return fmt.Errorf("--reason and --key are required")
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			entry, created, err := e.ledger().Grant(cmd.Context(), credits.GrantRequest{
				UserID:         userID,
				Amount:         amount,
				Scene:          credits.SceneAdminGrant,
				ExpiresAt:      credits.ExpiryFor(time.Now(), validDays, nil),
				IdempotencyKey: "admin:" + key,
				Description:    reason,
			})
			if err != nil {
				return err
			}
			if created {
				if err := e.audit().LogAdminGrant(cmd.Context(), userID, operatorID, rbac.RoleService, entry.ID, reason); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"entry": entry, "created": created})
		},
	}
	grant.Flags().StringVar(&userID, "user", "", "user id")
	grant.Flags().Int64Var(&amount, "amount", 0, "credits to grant")
	grant.Flags().IntVar(&validDays, "valid-days", 0, "days until expiry, 0 never expires")
	grant.Flags().StringVar(&reason, "reason", "", "why the credits are granted")
	grant.Flags().StringVar(&key, "key", "", "idempotency key, e.g. a ticket number")
	_ = grant.MarkFlagRequired("user")
	_ = grant.MarkFlagRequired("amount")
	cmd.AddCommand(grant)

	cmd.AddCommand(&cobra.Command{
		Use:   "void [entry-id]",
		Short: "Void an active grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			entry, err := e.ledger().VoidGrant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := e.audit().LogVoid(cmd.Context(), entry.UserID, operatorID, rbac.RoleService, entry.ID); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	})
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		from, to string
		currency string
	)
	cmd := &cobra.Command{
		Use:   "revenue",
		Short: "Summarize settled revenue per currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRange(from, to)
			if err != nil {
				return err
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			bill := billing.NewService(billing.NewPostgresRepo(e.db), utils.NewSQLTransactor(e.db))
			rep, err := reporting.NewService(e.ledger(), bill).Revenue(cmd.Context(), reporting.RevenueRequest{Range: r, Currency: currency})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "range start, RFC3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "range end, RFC3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&currency, "currency", "", "only this currency")

	report := &cobra.Command{Use: "report", Short: "Reports"}
	report.AddCommand(cmd)
	return report
}

func (e *env) ledger() *credits.Ledger {
	return credits.NewLedger(credits.NewPostgresRepo(e.db), utils.NewSQLTransactor(e.db), e.cfg.Credits)
}

func (e *env) audit() *audit.Service {
	return audit.NewService(audit.NewPostgresRepo(e.db))
}

func parseRange(from, to string) (reporting.TimeRange, error) {
	f, err := parseTime(from)
	if err != nil {
		return reporting.TimeRange{}, fmt.Errorf("--from: %w", err)
	}
	t, err := parseTime(to)
	if err != nil {
		return reporting.TimeRange{}, fmt.Errorf("--to: %w", err)
	}
	if !t.After(f) {
		return reporting.TimeRange{}, fmt.Errorf("--to must be after --from")
	}
	return reporting.TimeRange{From: f, To: t}, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
