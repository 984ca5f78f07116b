package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/serp"
)

func newSerpCmd() *cobra.Command {
	var (
		filter   flow.Filter
		template string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "serp",
		Short: "Render the SERP template of the best flow with its ad injected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := selectRecord(cmd.Context(), services, filter)
			if err != nil {
				return err
			}
			key := rec.SerpTemplateKey
			if template != "" {
				key = template
			}
			templates, err := services.Data().Templates(cmd.Context())
			if err != nil {
				return fmt.Errorf("could not load serp templates: %w", err)
			}
			html, err := serp.Render(templates, key, serp.SnippetFrom(rec), rec.Keyword)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), html)
				return err
			}
			if err := os.WriteFile(out, []byte(html), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			return nil
		},
	}
	addFilterFlags(cmd, &filter)
	cmd.Flags().StringVar(&template, "template", "", "template key overriding the flow's own")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write HTML to this file instead of stdout")
	return cmd
}

func newScreenshotURLCmd() *cobra.Command {
	var (
		device   string
		fullPage bool
	)
	cmd := &cobra.Command{
		Use:   "screenshot-url URL",
		Short: "Print the screenshot service URL for a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			shotURL, err := services.Screenshots().URLFor(args[0], services.Config().Device(device), fullPage)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), shotURL)
			return err
		},
	}
	cmd.Flags().StringVar(&device, "device", "mobile", "device profile name")
	cmd.Flags().BoolVar(&fullPage, "full-page", false, "capture the full page instead of the viewport")
	return cmd
}
