// Package main provides the cohort-builder command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/config"
	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/export/workbook"
	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/infrastructure/postgres"
	"github.com/drfirst/go-medindex/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medindex/internal/observability/logging"
	"github.com/drfirst/go-medindex/internal/taxonomy"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cohort-builder",
		Short:         "Build medication-at-index cohorts from clinical extracts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(datasetsCmd())
	rootCmd.AddCommand(topicsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and a logger honouring --log-level.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return pool, nil
}

func buildCmd() *cobra.Command {
	var opts sourceOptions
	var strategies []string
	var out, taxonomyFile string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Resolve index dates and write the cohort workbook",
		Example: `  cohort-builder build --input ./extracts --strategy LATEST --out cohort.xlsx
  cohort-builder build --input ./extracts --strategy ENDOSCOPY --strategy LATEST --fhir emr.json --out cohort.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Reject a bad output name before doing any work.
			if err := workbook.ValidatePath(out); err != nil {
				return err
			}
			kinds := make([]medstate.Kind, 0, len(strategies))
			for _, s := range strategies {
				k, err := medstate.ParseKind(s)
				if err != nil {
					return err
				}
				kinds = append(kinds, k)
			}

			if taxonomyFile == "" {
				taxonomyFile = cfg.TaxonomyFile
			}
			tax, err := taxonomy.Load(taxonomyFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if opts.dataset != "" {
				pool, err := connect(ctx, cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
				opts.store = postgres.NewExtractStore(pool, logger)
			}
			set, err := opts.load(ctx, logger)
			if err != nil {
				return err
			}

			engine := medstate.NewEngine(tax, logger)
			res, err := engine.Build(ctx, medstate.Input{Extracts: set}, kinds...)
			if err != nil {
				return err
			}
			if err := workbook.NewWriter(workbook.DefaultConfig(), logger).Save(out, res.Cohort); err != nil {
				return err
			}
			printReport(cmd, out, res.Report)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "Directory holding the extract CSV files")
	cmd.Flags().StringVar(&opts.dataset, "dataset", "", "Load extracts from a dataset stored in Postgres")
	cmd.Flags().StringVar(&opts.external, "external", "", "CSV file of caller-supplied index dates (PATIENT_ID, INDEX_DATE)")
	cmd.Flags().StringVar(&opts.fhir, "fhir", "", "FHIR R5 bundle of MedicationRequests to add to the prescriptions")
	cmd.Flags().StringArrayVar(&strategies, "strategy", nil, "Index strategy; repeat to let the highest-priority one win")
	cmd.Flags().StringVar(&out, "out", "cohort.xlsx", "Output workbook (.xlsx)")
	cmd.Flags().StringVar(&taxonomyFile, "taxonomy", "", "Medication class taxonomy YAML (default: embedded)")
	cmd.MarkFlagsMutuallyExclusive("input", "dataset")
	cmd.MarkFlagsOneRequired("input", "dataset")
	cmd.MarkFlagRequired("strategy")
	return cmd
}

func printReport(cmd *cobra.Command, out string, r *medstate.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Strategy:      %s\n", r.Strategy)
	fmt.Fprintf(w, "Patients:      %d\n", r.Patients)
	fmt.Fprintf(w, "Index records: %d\n", r.IndexRecords)
	fmt.Fprintf(w, "Rows written:  %d (%s)\n", r.Rows, out)
	if len(r.Excluded) > 0 {
		fmt.Fprintf(w, "Excluded:      %s\n", strings.Join(r.Excluded, ", "))
	}
	counts := r.CountsByKind()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-18s %d\n", k, counts[medstate.IssueKind(k)])
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(w, "  %-18s %d\n", "read warnings", len(r.Warnings))
	}
}

func importCmd() *cobra.Command {
	var opts sourceOptions

	cmd := &cobra.Command{
		Use:   "import DATASET",
		Short: "Store a directory of extracts in Postgres for the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			set, err := opts.load(ctx, logger)
			if err != nil {
				return err
			}
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			if err := postgres.NewExtractStore(pool, logger).Import(ctx, args[0], set); err != nil {
				return err
			}
			for _, name := range extract.Names {
				if t := set.Get(name); t != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d rows\n", name, t.Len())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "Directory holding the extract CSV files")
	cmd.Flags().StringVar(&opts.external, "external", "", "CSV file of caller-supplied index dates")
	cmd.Flags().StringVar(&opts.fhir, "fhir", "", "FHIR R5 bundle of MedicationRequests to add to the prescriptions")
	cmd.MarkFlagRequired("input")
	return cmd
}

func datasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List the datasets stored in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			names, err := postgres.NewExtractStore(pool, logger).Datasets(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the Kafka topics used by the cohort services",
	}

	withAdmin := func(fn func(cmd *cobra.Command, admin *redpanda.Admin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(cmd, admin)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the build-request, event and dead-letter topics",
		RunE: withAdmin(func(cmd *cobra.Command, admin *redpanda.Admin) error {
			return admin.EnsureTopics(cmd.Context())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(cmd *cobra.Command, admin *redpanda.Admin) error {
			topics, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		}),
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
	}
	group := lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	lagCmd.RunE = withAdmin(func(cmd *cobra.Command, admin *redpanda.Admin) error {
		lag, err := admin.GetConsumerGroupLag(cmd.Context(), *group)
		if err != nil {
			return err
		}
		topics := make([]string, 0, len(lag))
		for t := range lag {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		for _, t := range topics {
			parts := make([]int, 0, len(lag[t]))
			for p := range lag[t] {
				parts = append(parts, int(p))
			}
			sort.Ints(parts)
			for _, p := range parts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", t, p, lag[t][int32(p)])
			}
		}
		return nil
	})
	cmd.AddCommand(lagCmd)
	return cmd
}
