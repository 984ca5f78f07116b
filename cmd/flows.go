package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/flowlens/internal/flow"
)

func newSelectCmd() *cobra.Command {
	var filter flow.Filter
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Print the best flow for the filters",
		Long: `Selects the flow with the most conversions, then clicks, then impressions
among the rows matching --keyword and --domain, and prints it with its stage URLs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := selectRecord(cmd.Context(), services, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"flow":       rec,
				"ctr":        rec.CTR(),
				"cvr":        rec.CVR(),
				"stage_urls": services.Pipeline().StageURLs(rec),
			})
		},
	}
	addFilterFlags(cmd, &filter)
	return cmd
}

func newTopCmd() *cobra.Command {
	var (
		filter flow.Filter
		metric string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Print the top keyword, domain and SERP combinations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			m, err := flow.ParseMetric(metric)
			if err != nil {
				return err
			}
			if limit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}
			if !cmd.Flags().Changed("limit") {
				limit = services.Config().Data.TopDefault
			}
			ds, err := services.Data().Dataset(cmd.Context())
			if err != nil {
				return fmt.Errorf("could not load dataset: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), flow.Summarize(ds.Records, filter, m, limit))
		},
	}
	addFilterFlags(cmd, &filter)
	cmd.Flags().StringVar(&metric, "metric", string(flow.MetricImpressions), "sort metric: conversions, clicks or impressions")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of combinations (0 for all)")
	return cmd
}

func newScoreCmd() *cobra.Command {
	var filter flow.Filter
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score keyword, ad and landing-page similarity for the best flow",
		Long: `Selects the best flow for the filters, resolves the publisher, SERP and landing
texts and prints the three similarity scores. With the redis or postgres cache
backend, running the same command again makes no new paid calls within the cache
TTL; the default memory cache lasts only for one invocation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := selectRecord(cmd.Context(), services, filter)
			if err != nil {
				return err
			}
			result, err := services.Pipeline().Score(cmd.Context(), rec)
			if err != nil {
				return fmt.Errorf("score flow: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"flow": rec, "result": result})
		},
	}
	addFilterFlags(cmd, &filter)
	return cmd
}
