package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/spf13/cobra"
)

func newJobsCmd(r *root) *cobra.Command {
	var (
		owner  string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List or inspect jobs",
		Long: `List an owner's jobs, most recent first, or inspect one job by ID.

Examples:
  corpusctl jobs --owner team-a
  corpusctl jobs --owner team-a --status failed
  corpusctl jobs 0b7e4c1e-9a4f-4c35-8f0e-3f1f0f6a2b7d`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.get(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid job id %q: %w", args[0], err)
				}
				job, err := app.Manager.Get(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("get job: %w", err)
				}
				showJob(cmd, job)
				return nil
			}

			if owner == "" {
				return fmt.Errorf("--owner is required when listing jobs")
			}
			list, total, err := app.Manager.List(cmd.Context(), store.JobFilter{
				OwnerID: owner,
				Status:  status,
				Limit:   limit,
			})
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-18s %-11s %-7s %s\n", "ID", "KIND", "STATUS", "RETRY", "CREATED")
			for _, j := range list {
				fmt.Fprintf(out, "%-36s %-18s %-11s %d/%-5d %s\n",
					j.ID, j.Kind, j.Status, j.RetryCount, j.MaxRetries, j.CreatedAt.Format(time.RFC3339))
			}
			if total > len(list) {
				fmt.Fprintf(out, "(%d of %d)\n", len(list), total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	return cmd
}

func showJob(cmd *cobra.Command, job *models.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "  Owner: %s\n", job.OwnerID)
	fmt.Fprintf(out, "  Kind: %s\n", job.Kind)
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	fmt.Fprintf(out, "  Retries: %d/%d\n", job.RetryCount, job.MaxRetries)
	fmt.Fprintf(out, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.CancelRequested && !models.IsTerminalStatus(job.Status) {
		fmt.Fprintln(out, "  Cancel requested")
	}
	if job.ErrorDetail != nil && *job.ErrorDetail != "" {
		fmt.Fprintf(out, "  Error: %s\n", *job.ErrorDetail)
	}
	if len(job.Result) > 0 {
		fmt.Fprintf(out, "  Result: %s\n", job.Result)
	}
}
