package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/patientlink/internal/domain/linkage"
	"github.com/ehr/patientlink/internal/intake"
	"github.com/ehr/patientlink/internal/platform/db"
	"github.com/ehr/patientlink/migrations"
)

// migrationSource returns the embedded migrations unless --dir overrides them.
func migrationSource(cmd *cobra.Command) fs.FS {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to the tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			tenant := tenantFlag(cmd, a.cfg)
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier: %s", tenant)
			}
			schema := db.SchemaName(tenant)
			if _, err := a.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
				return fmt.Errorf("create schema %s: %w", schema, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(a.pool, migrationSource(cmd)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			schema := db.SchemaName(tenantFlag(cmd, a.cfg))
			statuses, err := db.NewMigrator(a.pool, migrationSource(cmd)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a tenant schema and apply all migrations to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			name := args[0]
			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, a.pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	cmd.AddCommand(createCmd)
	return cmd
}

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link appointments to patient identities",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the linking engine over every linkable identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			window, _ := cmd.Flags().GetInt("window")
			tenant := tenantFlag(cmd, a.cfg)

			var summaries []linkage.ProfileSummary
			err = db.WithTenantConn(ctx, a.pool, tenant, func(ctx context.Context) error {
				var err error
				summaries, err = a.linker.LinkAllProfiles(ctx, window)
				return err
			})
			if err != nil {
				return err
			}

			linked, created, failed := 0, 0, 0
			for _, s := range summaries {
				switch s.Status {
				case linkage.StatusLinked:
					linked++
				case linkage.StatusError:
					failed++
				}
				created += s.LinksCreated
			}
			a.logger.Info().
				Str("tenant", tenant).
				Int("profiles", len(summaries)).
				Int("profiles_linked", linked).
				Int("links_created", created).
				Int("errors", failed).
				Msg("link run finished")

			if verbose, _ := cmd.Flags().GetBool("json"); verbose {
				return writeJSON(cmd.OutOrStdout(), summaries)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d profiles processed, %d linked, %d links created, %d errors\n",
				len(summaries), linked, created, failed)
			return nil
		},
	}
	runCmd.Flags().Int("window", 0, "Days ahead to consider (defaults to LINK_WINDOW_DAYS)")
	runCmd.Flags().Bool("json", false, "Print per-profile summaries as JSON")
	cmd.AddCommand(runCmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import external data",
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule <file.csv|file.xlsx>",
		Short: "Import a clinic schedule and link it to identities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modeFlag, _ := cmd.Flags().GetString("mode")
			mode, err := intake.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			sheet, _ := cmd.Flags().GetString("sheet")

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := intake.Read(filepath.Base(args[0]), f, sheet)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			var report *intake.ImportReport
			err = db.WithTenantConn(ctx, a.pool, tenantFlag(cmd, a.cfg), func(ctx context.Context) error {
				var err error
				report, err = a.importer.Import(ctx, rows, mode)
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	scheduleCmd.Flags().String("mode", string(intake.ModeDeferred), "deferred: link after import; resolve: find-or-create identities per row")
	scheduleCmd.Flags().String("sheet", "", "XLSX sheet name (defaults to the first sheet)")
	cmd.AddCommand(scheduleCmd)
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and relay identity events",
	}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox events to Kafka until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()
			if !a.cfg.OutboxEnabled() {
				return fmt.Errorf("KAFKA_BROKERS is required for the relay")
			}

			stopRelay, err := a.startRelay(ctx, tenantFlag(cmd, a.cfg))
			if err != nil {
				return err
			}
			<-ctx.Done()
			stopRelay()
			return nil
		},
	}
	cmd.AddCommand(relayCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pending and failed outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			maxRetries, _ := cmd.Flags().GetInt("max-retries")
			return db.WithTenantConn(ctx, a.pool, tenantFlag(cmd, a.cfg), func(ctx context.Context) error {
				stats, err := a.events.Stats(ctx, maxRetries)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	statsCmd.Flags().Int("max-retries", 10, "Retry count after which an entry counts as dead")
	cmd.AddCommand(statsCmd)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
