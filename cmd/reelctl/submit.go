package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dunamismax/reelflow/internal/client"
	"github.com/dunamismax/reelflow/internal/domain"
)

type submitOptions struct {
	generationID string
	jobType      string
	targetID     string
	route        string
	payload      string
	file         string
	parallel     int
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one job, or a batch read from a JSON file",
		Long: "Submit one job from flags, or every submission in --file (a JSON array).\n" +
			"Transient failures are retried after 1.5s, 3s and 6s.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			subs, err := so.submissions()
			if err != nil {
				return err
			}
			submitter := client.NewSubmitter(opts.client(), opts.logger(cmd.ErrOrStderr()))
			results := client.Batch(cmd.Context(), submitter, subs, so.parallel)

			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed\t%v\n", res.Submission.Slot(), res.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", res.Submission.Slot(), res.JobID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d submissions failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&so.generationID, "generation", "", "generation id")
	cmd.Flags().StringVar(&so.jobType, "type", "", "job type")
	cmd.Flags().StringVar(&so.targetID, "target", "", "target id within the generation")
	cmd.Flags().StringVar(&so.route, "route", "", "backend route, e.g. /story/generate")
	cmd.Flags().StringVar(&so.payload, "payload", "{}", "JSON request payload")
	cmd.Flags().StringVarP(&so.file, "file", "f", "", "JSON file holding an array of submissions")
	cmd.Flags().IntVar(&so.parallel, "parallel", client.DefaultBatchLimit, "concurrent submissions for --file")
	return cmd
}

func (o *submitOptions) submissions() ([]client.Submission, error) {
	if o.file != "" {
		subs, err := readSubmissions(o.file)
		if err != nil {
			return nil, err
		}
		for i := range subs {
			if subs[i].GenerationID == "" {
				subs[i].GenerationID = o.generationID
			}
		}
		return subs, nil
	}
	if !json.Valid([]byte(o.payload)) {
		return nil, errors.New("--payload is not valid JSON")
	}
	sub := client.Submission{
		GenerationID: o.generationID,
		JobType:      domain.JobType(o.jobType),
		TargetID:     o.targetID,
		Route:        domain.Route(o.route),
		Payload:      json.RawMessage(o.payload),
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return []client.Submission{sub}, nil
}

func readSubmissions(path string) ([]client.Submission, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submissions: %w", err)
	}
	var subs []client.Submission
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return subs, nil
}
