package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/dunamismax/reelflow/internal/client"
	"github.com/dunamismax/reelflow/internal/domain"
)

type watchOptions struct {
	file      string
	retry     bool
	persist   bool
	untilIdle bool
	poll      time.Duration
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "restore GENERATION_ID",
		Short: "Apply unconsumed results and resubmit slots that never reached the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := optionalSubmissions(file, args[0])
			if err != nil {
				return err
			}
			res, err := newRestorer(opts, cmd.ErrOrStderr()).Restore(cmd.Context(), args[0], expected)
			if err != nil {
				return err
			}
			printRestore(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the submissions the pipeline expects")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	wo := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch GENERATION_ID",
		Short: "Restore a generation, then follow its jobs until interrupted",
		Long: "Follows the change feed with a polling fallback and applies every terminal\n" +
			"result once. With --retry, failed slots from --file are resubmitted with\n" +
			"backoff until they succeed or run out of attempts.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, wo, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&wo.file, "file", "f", "", "JSON file with the submissions the pipeline expects")
	cmd.Flags().BoolVar(&wo.retry, "retry", false, "resubmit failed slots from --file automatically")
	cmd.Flags().BoolVar(&wo.persist, "persist", true, "write the projection back after every applied result")
	cmd.Flags().BoolVar(&wo.untilIdle, "until-idle", false, "exit once no job is generating")
	cmd.Flags().DurationVar(&wo.poll, "poll", client.DefaultPollInterval, "fallback polling interval")
	return cmd
}

func runWatch(ctx context.Context, opts *rootOptions, wo *watchOptions, generationID string, out, errOut io.Writer) error {
	logger := opts.logger(errOut)
	api := opts.client()
	submitter := client.NewSubmitter(api, logger)

	expected, err := optionalSubmissions(wo.file, generationID)
	if err != nil {
		return err
	}
	bySlot := make(map[string]client.Submission, len(expected))
	for _, sub := range expected {
		bySlot[sub.Slot().Key()] = sub
	}

	res, err := client.NewRestorer(api, submitter, logger).Restore(ctx, generationID, expected)
	if err != nil {
		return err
	}
	printRestore(out, res)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		rec       *client.Reconciler
		autoRetry *client.AutoRetry
		retrying  atomic.Int64
	)
	if wo.retry {
		autoRetry = client.NewAutoRetry(client.DefaultAutoRetryConfig(),
			func(ctx context.Context, sub client.Submission) error {
				defer retrying.Add(-1)
				_, err := rec.Resubmit(ctx, submitter, sub)
				return err
			},
			func(sub client.Submission, reason string) {
				fmt.Fprintf(out, "%s\tgave up\t%s\n", sub.Slot(), reason)
			},
			logger)
		defer autoRetry.Stop()
	}

	rec = res.Reconciler(api, client.ReconcilerOptions{
		PollInterval:      wo.poll,
		PersistProjection: wo.persist,
		Logger:            logger,
		OnApply: func(job domain.Job) {
			printJob(out, job)
			if autoRetry != nil {
				sub, known := bySlot[job.Slot().Key()]
				switch {
				case job.Status == domain.JobStatusCompleted:
					autoRetry.Succeeded(job.Slot())
				case known:
					retrying.Add(1)
					if !autoRetry.Failed(ctx, sub, job.ErrorMessage) {
						retrying.Add(-1)
					}
				}
			}
			if wo.untilIdle && rec.Pending() == 0 && retrying.Load() == 0 {
				cancel()
			}
		},
	})

	if wo.untilIdle && rec.Pending() == 0 {
		return nil
	}
	if err := rec.Run(ctx); err != nil {
		return err
	}
	p := rec.Projection()
	fmt.Fprintf(out, "status=%s cost=$%.3f applied=%d\n", p.Status, p.CostTotal, len(p.Snapshot.AppliedJobIDs))
	return nil
}

func newRestorer(opts *rootOptions, errOut io.Writer) *client.Restorer {
	logger := opts.logger(errOut)
	api := opts.client()
	return client.NewRestorer(api, client.NewSubmitter(api, logger), logger)
}

func optionalSubmissions(path, generationID string) ([]client.Submission, error) {
	if path == "" {
		return nil, nil
	}
	subs, err := readSubmissions(path)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].GenerationID == "" {
			subs[i].GenerationID = generationID
		}
	}
	return subs, nil
}

func printRestore(w io.Writer, res *client.RestoreResult) {
	fmt.Fprintf(w, "generation %s (%s): %d in flight, %d applied, %d resubmitted\n",
		res.Generation.ID, res.Generation.Status, len(res.InFlight), len(res.Applied), len(res.Resubmitted))
	for _, br := range res.Resubmitted {
		if br.Err != nil {
			fmt.Fprintf(w, "%s\tresubmit failed\t%v\n", br.Submission.Slot(), br.Err)
		}
	}
}

func printJob(w io.Writer, job domain.Job) {
	line := fmt.Sprintf("%s\t%s\t%s\t%s", job.UpdatedAt.Local().Format("15:04:05"), job.Slot(), job.ID, job.Status)
	if job.ErrorMessage != "" {
		line += "\t" + job.ErrorMessage
	}
	fmt.Fprintln(w, line)
}
