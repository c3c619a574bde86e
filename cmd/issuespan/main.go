package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"issuespan/config"
	"issuespan/internal/api"
	"issuespan/internal/db"
	"issuespan/internal/logging"
	"issuespan/internal/report"
	"issuespan/internal/sync"
)

var (
	configPath string
	repoFlag   string
)

func main() {
	root := &cobra.Command{
		Use:           "issuespan",
		Short:         "Sync GitHub issue timelines into SQLite and report per-phase durations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(newInitConfigCmd(), newSyncCmd(), newReportCmd(), newStatsCmd(), newExportCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogLevel)
	return cfg, nil
}

func openStore(cfg *config.Config) (*db.DB, error) {
	store, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default configuration file if it doesn't exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfig(configPath); err != nil {
				return err
			}
			fmt.Printf("Created default configuration at %s\n", configPath)
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Incrementally sync the organization's issues and timeline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			client := api.NewGitHubClient(cfg.GitHubToken, cfg.PerPage)
			lister := api.NewGraphQLClient(cfg.GitHubToken)
			syncer := sync.New(store, sync.NewGitHubSource(client), lister, cfg.Workers)

			ctx := cmd.Context()
			start := time.Now()

			if repoFlag != "" {
				if err := store.UpsertOrganization(ctx, cfg.OrgName); err != nil {
					return err
				}
				if _, err := syncer.SyncRepository(ctx, cfg.OrgName, repoFlag); err != nil {
					return err
				}
			} else {
				results, err := syncer.SyncOrganization(ctx, cfg.OrgName)
				if err != nil {
					return err
				}
				failed := 0
				for _, res := range results {
					if res.Err != nil {
						failed++
						fmt.Printf("FAILED %s/%s: %v\n", res.Organization, res.Repository, res.Err)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d repositories failed", failed, len(results))
				}
			}

			log.Info().Dur("took", time.Since(start)).Msg("sync completed")
			return nil
		},
	}
	cmd.Flags().StringVar(&repoFlag, "repo", "", "sync a single repository by name")
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		groupBy string
		asCSV   bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Reconstruct phase spans and print duration totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			// A single snapshot instant terminates every open-ended span
			// in this run.
			now := time.Now().UTC().Truncate(time.Second)
			records, err := report.BuildRecords(cmd.Context(), store, cfg.OrgName, repoFlag, now)
			if err != nil {
				return err
			}

			if asCSV {
				return report.WriteCSV(os.Stdout, records)
			}

			var key func(report.SpanRecord) string
			switch groupBy {
			case "phase":
				key = report.ByPhase
			case "repository":
				key = report.ByRepository
			case "issue":
				key = report.ByIssue
			default:
				return fmt.Errorf("unknown group-by %q (want phase, issue or repository)", groupBy)
			}

			totals := report.Aggregate(records, key)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tSPANS\tTOTAL")
			for _, t := range totals {
				fmt.Fprintf(w, "%s\t%d\t%s\n", t.Key, t.Spans, t.Formatted)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&repoFlag, "repo", "", "limit to a single repository")
	cmd.Flags().StringVar(&groupBy, "group-by", "issue", "grouping key: phase, issue or repository")
	cmd.Flags().BoolVar(&asCSV, "csv", false, "emit raw span records as CSV instead of totals")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts per table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			for _, table := range []string{"organizations", "repositories", "issues", "events"} {
				fmt.Printf("%-14s %d\n", table, stats[table])
			}
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		dir   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sample rows from each table as CSV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			for _, table := range []string{"organizations", "repositories", "issues", "events"} {
				path := filepath.Join(dir, table+".csv")
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", path, err)
				}
				if err := store.ExportTable(cmd.Context(), f, table, limit); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "sample_data", "output directory")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum rows per table")
	return cmd
}
