package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rcm/rcm/internal/adjudication"
	"github.com/rcm/rcm/internal/config"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/ingest"
	"github.com/rcm/rcm/internal/rules"
	"github.com/rcm/rcm/migrations"
)

// migrationSource prefers an on-disk directory over the embedded files.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func openPool(ctx context.Context) (*config.Config, func(), *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, pool.Close, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, closePool, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			schema := db.SchemaName(tenant)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrationSource(dir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant whose schema is migrated (default DEFAULT_TENANT)")
	upCmd.Flags().String("dir", "", "Migrations directory (default: embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, closePool, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			schema := db.SchemaName(tenant)
			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant whose schema is inspected (default DEFAULT_TENANT)")
	statusCmd.Flags().String("dir", "", "Migrations directory (default: embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !rules.ValidTenantID(name) {
				return fmt.Errorf("%w: %q", rules.ErrInvalidTenant, name)
			}

			ctx := context.Background()
			cfg, closePool, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}

			if seed, _ := cmd.Flags().GetBool("seed-rules"); seed && cfg.RulesDir != "" {
				path, created, err := seedRules(cfg.RulesDir, name)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote default rules: %s\n", path)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Keeping existing rules: %s\n", path)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().Bool("seed-rules", true, "Write the built-in rules to RULES_DIR/<name>.yaml if the tenant has none")

	cmd.AddCommand(createCmd)
	return cmd
}

// seedRules writes the built-in rule file to <dir>/<tenant>.yaml. An existing
// .yaml or .yml file is left untouched and reported with created=false.
func seedRules(dir, tenant string) (path string, created bool, err error) {
	for _, ext := range []string{".yaml", ".yml"} {
		p := filepath.Join(dir, tenant+ext)
		if _, err := os.Stat(p); err == nil {
			return p, false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", false, fmt.Errorf("check rules file: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create rules dir: %w", err)
	}
	path = filepath.Join(dir, tenant+".yaml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", false, fmt.Errorf("create rules file: %w", err)
	}
	if _, err := f.Write(rules.DefaultYAML()); err != nil {
		f.Close()
		return "", false, fmt.Errorf("write rules file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("write rules file: %w", err)
	}
	return path, true, nil
}

// validateReport is the JSON document printed by the validate command.
type validateReport struct {
	Tenant    string                    `json:"tenant"`
	File      string                    `json:"file"`
	Evaluated []adjudication.Evaluation `json:"evaluated"`
	Rejected  []adjudication.Rejection  `json:"rejected"`
	Summary   adjudication.Summary      `json:"summary"`
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Evaluate a claims file offline and print a JSON report",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			rulesDir, _ := cmd.Flags().GetString("rules-dir")
			enrich, _ := cmd.Flags().GetBool("enrich")
			workers, _ := cmd.Flags().GetInt("workers")
			pretty, _ := cmd.Flags().GetBool("pretty")

			if file == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if rulesDir == "" {
				rulesDir = cfg.RulesDir
			}
			if workers == 0 {
				workers = cfg.BatchWorkers
			}

			logger := zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger().Level(zerolog.WarnLevel)
			var enricher *adjudication.Enricher
			if enrich {
				if enricher = newEnricher(cfg, logger, nil); enricher == nil {
					return fmt.Errorf("--enrich requires GOOGLE_API_KEY")
				}
			}

			report, err := validateFile(cmd.Context(), file, tenant, rules.NewLoader(rulesDir, rules.WithFallback(), rules.WithLogger(logger)),
				adjudication.BatchOptions{Workers: workers, StableOrder: true, Enricher: enricher})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(report)
		},
	}
	cmd.Flags().String("file", "", "Claims file (.csv or .xlsx)")
	cmd.Flags().String("tenant", "", "Tenant whose rule bundle is used (default DEFAULT_TENANT)")
	cmd.Flags().String("rules-dir", "", "Directory of <tenant>.yaml rule files (default RULES_DIR)")
	cmd.Flags().Bool("enrich", false, "Refine explanations with the text-generation service")
	cmd.Flags().Int("workers", 0, "Concurrent evaluations (default BATCH_WORKERS, 0 = CPUs)")
	cmd.Flags().Bool("pretty", false, "Indent JSON output")
	return cmd
}

func validateFile(ctx context.Context, file, tenant string, src rules.Source, opts adjudication.BatchOptions) (*validateReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	bundle, err := src.Bundle(tenant)
	if err != nil {
		return nil, err
	}
	rows, err := ingest.ReadFile(file)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	report, err := adjudication.EvaluateBatch(ctx, rows, bundle, opts)
	if err != nil {
		return nil, err
	}
	return &validateReport{
		Tenant:    tenant,
		File:      file,
		Evaluated: report.Evaluated,
		Rejected:  report.Rejected,
		Summary:   report.Summary(),
	}, nil
}
