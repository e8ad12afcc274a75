package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"crm_wa/internal/config"
	"crm_wa/internal/database"
	"crm_wa/internal/services"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and seed the default tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.Database)
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			tenant, err := database.SeedDefaultTenant(db, cfg.DefaultTenantName)
			if err != nil {
				return err
			}
			if tenant != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date, default tenant %d (%s)\n", tenant.ID, tenant.Name)
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		tenantID uint
		subject  string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				fmt.Fprintln(os.Stderr, "warning: JWT_SECRET is empty, using the development secret")
			}
			token, err := services.NewAuthService(cfg.JWTSecret).IssueToken(tenantID, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant id; 0 selects the default tenant.")
	cmd.Flags().StringVar(&subject, "subject", "crm", "Token subject.")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime.")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var tenantID uint
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted WhatsApp connection status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			view := a.manager.GetConnectionStatus(cmd.Context(), tenantID)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant id; 0 selects the default tenant.")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	var tenantID uint
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove a tenant's stored WhatsApp credentials",
		Long: "Remove a tenant's stored WhatsApp credentials and mark it disconnected. " +
			"Stop the server first: a running process keeps its own live session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			if err := a.manager.Disconnect(cmd.Context(), tenantID); err != nil {
				return errors.Wrap(err, "logout")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
	cmd.Flags().UintVar(&tenantID, "tenant", 0, "Tenant id; 0 selects the default tenant.")
	return cmd
}
