package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dunamismax/reelflow/internal/domain"
)

func newGenerationsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "generations",
		Aliases: []string{"gen"},
		Short:   "Create and inspect generations",
	}
	cmd.AddCommand(
		newGenerationsCreateCmd(opts),
		newGenerationsListCmd(opts),
		newGenerationsGetCmd(opts),
		newGenerationsJobsCmd(opts),
	)
	return cmd
}

func newGenerationsCreateCmd(opts *rootOptions) *cobra.Command {
	var req domain.CreateGenerationRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a generation in drafting state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.client().CreateGeneration(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), g)
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "generation title")
	cmd.Flags().StringVar(&req.Style, "style", "", "visual style")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newGenerationsListCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent generations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := opts.client().ListGenerations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tCOST\tUPDATED")
			for _, g := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t$%.3f\t%s\n", g.ID, g.Title, g.Status, g.CostTotal, g.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newGenerationsGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get GENERATION_ID",
		Short: "Show a generation with its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := opts.client().GetGeneration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), g)
		},
	}
}

func newGenerationsJobsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs GENERATION_ID",
		Short: "List the job rows of a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := opts.client().ListJobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tTYPE\tTARGET\tSTATUS\tUPDATED\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Type, j.TargetID, j.Status, j.UpdatedAt.Local().Format("15:04:05"), j.ErrorMessage)
			}
			return tw.Flush()
		},
	}
}
