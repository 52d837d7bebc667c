package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/spf13/cobra"
)

type submitFlags struct {
	owner      string
	priority   int
	maxRetries int
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner id the job belongs to")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", -1, "retry budget (default from config)")
	_ = cmd.MarkFlagRequired("owner")
}

func newSubmitCmd(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a background job",
	}

	var (
		indexFlags submitFlags
		index      models.CorpusIndexPayload
	)
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Queue a corpus_index job",
		Long: `Queue a corpus_index job that fetches, chunks, embeds and stores documents.

Examples:
  corpusctl submit index --owner team-a --source docs --locator https://go.dev/doc/effective_go
  corpusctl submit index --owner team-a --source stackoverflow --source github --keyword pgx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(index)
			if err != nil {
				return err
			}
			return submit(cmd, r, indexFlags, models.JobKindCorpusIndex, payload)
		},
	}
	indexFlags.register(indexCmd)
	indexCmd.Flags().StringArrayVar(&index.Sources, "source", nil, "source to index (repeatable)")
	indexCmd.Flags().StringArrayVar(&index.Keywords, "keyword", nil, "keyword filter or search term (repeatable)")
	indexCmd.Flags().StringArrayVar(&index.Locators, "locator", nil, "extra page, question, repository or package (repeatable)")
	indexCmd.Flags().StringVar(&index.EmbeddingModel, "model", "", "embedding model override")
	_ = indexCmd.MarkFlagRequired("source")

	var (
		artifactFlags submitFlags
		artifact      models.ArtifactPayload
		file          string
	)
	artifactCmd := &cobra.Command{
		Use:   "artifact",
		Short: "Queue an artifact_generate job",
		Long: `Queue an artifact_generate job rendering content as markdown, csv or json.
Content is read from --file, or from stdin when --file is "-".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, file)
			if err != nil {
				return err
			}
			artifact.Content = content
			payload, err := json.Marshal(artifact)
			if err != nil {
				return err
			}
			return submit(cmd, r, artifactFlags, models.JobKindArtifactGenerate, payload)
		},
	}
	artifactFlags.register(artifactCmd)
	artifactCmd.Flags().StringVar(&artifact.Format, "format", "markdown", "markdown, csv or json")
	artifactCmd.Flags().StringVar(&artifact.Title, "title", "", "artifact title")
	artifactCmd.Flags().StringVar(&file, "file", "-", "content file, - for stdin")

	cmd.AddCommand(indexCmd, artifactCmd)
	return cmd
}

func submit(cmd *cobra.Command, r *root, f submitFlags, kind string, payload json.RawMessage) error {
	app, err := r.get(cmd.Context())
	if err != nil {
		return err
	}
	req := jobs.SubmitRequest{
		OwnerID:  f.owner,
		Kind:     kind,
		Payload:  payload,
		Priority: f.priority,
	}
	if f.maxRetries >= 0 {
		req.MaxRetries = &f.maxRetries
	}
	job, err := app.Manager.Submit(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s job %s (%s)\n", job.Kind, job.ID, job.Status)
	return nil
}

func readContent(cmd *cobra.Command, file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return string(data), nil
}
