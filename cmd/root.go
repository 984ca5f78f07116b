// Package cmd defines and implements the flowctl CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/api"
	"github.com/JakeFAU/flowlens/internal/app"
	"github.com/JakeFAU/flowlens/internal/config"
	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/logging"
)

// servicesKeyType is the key for storing Services in the command context.
type servicesKeyType string

const servicesKey servicesKeyType = "services"

// Services is what the subcommands need from the application container.
type Services interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Data() api.DataSource
	Pipeline() api.FlowScorer
	Screenshots() flow.ScreenshotService
}

// servicesFactory builds Services from a loaded config. Tests inject fakes through it.
type servicesFactory func(ctx context.Context, cfg config.Config) (Services, error)

type appServices struct {
	*app.App
}

func (s appServices) Data() api.DataSource { return s.App.Data() }

func (s appServices) Pipeline() api.FlowScorer { return s.App.Pipeline() }

func (s appServices) Screenshots() flow.ScreenshotService { return s.App.Screenshots() }

func newAppServices(ctx context.Context, cfg config.Config) (Services, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return appServices{App: a}, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd(newServices servicesFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "flowctl",
		Short: "Inspect and score advertising flows from the command line.",
		Long: `flowctl loads the flow performance dataset, picks the best flow for a keyword
or publisher domain, and scores how well keyword, ad and landing page agree.
It shares configuration and caches with the flowlens service.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the services once config is known and stores them for the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			services, err := newServices(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), servicesKey, services))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if services, ok := cmd.Context().Value(servicesKey).(Services); ok && services != nil {
				services.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus FLOWLENS_* env when empty)")

	cmd.AddCommand(
		newSelectCmd(),
		newTopCmd(),
		newScoreCmd(),
		newSerpCmd(),
		newScreenshotURLCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd(newAppServices)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveServices(ctx context.Context) (Services, error) {
	services, ok := ctx.Value(servicesKey).(Services)
	if !ok || services == nil {
		return nil, errors.New("application services not initialized")
	}
	return services, nil
}

func addFilterFlags(cmd *cobra.Command, f *flow.Filter) {
	cmd.Flags().StringVar(&f.Keyword, "keyword", "", "keyword substring to match (case-insensitive)")
	cmd.Flags().BoolVar(&f.KeywordExact, "exact", false, "match the keyword exactly")
	cmd.Flags().StringVar(&f.Domain, "domain", "", "publisher domain to match")
}

func selectRecord(ctx context.Context, services Services, filter flow.Filter) (flow.Record, error) {
	ds, err := services.Data().Dataset(ctx)
	if err != nil {
		return flow.Record{}, fmt.Errorf("could not load dataset: %w", err)
	}
	rec, err := flow.Select(ds.Records, filter)
	if err != nil {
		return flow.Record{}, fmt.Errorf("select flow: %w", err)
	}
	return rec, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
