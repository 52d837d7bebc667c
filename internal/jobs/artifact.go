package jobs

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

var contentTypes = map[string]string{
	FormatMarkdown: "text/markdown; charset=utf-8",
	FormatCSV:      "text/csv; charset=utf-8",
	FormatJSON:     "application/json",
}

// ContentType returns the MIME type stored for format.
func ContentType(format string) string {
	return contentTypes[format]
}

const markdownPrompt = `Rewrite the following content as a well-structured Markdown document.
Use headings, lists and fenced code blocks where they help. Keep every fact; add nothing.
Reply with the Markdown only.

Title: %s

Content:
%s`

// ArtifactProcessor runs artifact_generate jobs. Markdown goes through the
// generator when one is configured and falls back to a plain rendering.
type ArtifactProcessor struct {
	store     store.Store
	generator models.Generator
	now       func() time.Time
}

// NewArtifactProcessor accepts a nil generator.
func NewArtifactProcessor(st store.Store, gen models.Generator) *ArtifactProcessor {
	return &ArtifactProcessor{
		store:     st,
		generator: gen,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *ArtifactProcessor) Process(ctx context.Context, job *models.Job, checkpoint Checkpoint) (json.RawMessage, error) {
	var payload models.ArtifactPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, validationError("decode artifact_generate payload: %v", err)
	}
	format, ok := formatAliases[strings.ToLower(payload.Format)]
	if !ok {
		return nil, validationError("unknown format %q", payload.Format)
	}

	var (
		content []byte
		err     error
	)
	switch format {
	case FormatMarkdown:
		content, err = p.markdown(ctx, payload, checkpoint)
	case FormatCSV:
		content, err = toCSV(payload.Content)
	case FormatJSON:
		content, err = toJSON(payload.Content)
	}
	if err != nil {
		return nil, err
	}
	if err := checkpoint("render"); err != nil {
		return nil, err
	}

	title := payload.Title
	if title == "" {
		title = "artifact-" + job.ID.String()[:8]
	}
	artifact := &models.Artifact{
		ID:          uuid.New(),
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Title:       title,
		Format:      format,
		ContentType: ContentType(format),
		Content:     content,
		CreatedAt:   p.now(),
	}
	if err := p.store.CreateArtifact(ctx, artifact); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewRetryableError(fmt.Errorf("store artifact: %w", err))
	}

	slog.Info("artifact generated", "job_id", job.ID, "artifact_id", artifact.ID, "format", format, "size_bytes", len(content))
	return json.Marshal(models.ArtifactResult{
		ArtifactID:  artifact.ID,
		Format:      format,
		ContentType: artifact.ContentType,
		SizeBytes:   len(content),
		Title:       title,
	})
}

// markdown stops at a checkpoint before calling the generator. A cancel
// during generation ends the call through ctx.
func (p *ArtifactProcessor) markdown(ctx context.Context, payload models.ArtifactPayload, checkpoint Checkpoint) ([]byte, error) {
	if p.generator != nil {
		if err := checkpoint("generate"); err != nil {
			return nil, err
		}
		out, err := p.generator.Generate(ctx, fmt.Sprintf(markdownPrompt, payload.Title, payload.Content))
		if err == nil {
			return []byte(strings.TrimSpace(out) + "\n"), nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		slog.Warn("markdown generation failed, rendering content as-is",
			"generator", p.generator.Name(), "error", err)
	}
	return []byte(renderMarkdown(payload.Title, payload.Content)), nil
}

// renderMarkdown adds a title heading and fences content that looks like code.
func renderMarkdown(title, content string) string {
	body := strings.TrimSpace(strings.ReplaceAll(content, "\r\n", "\n"))
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	if looksLikeCode(body) {
		b.WriteString("```\n")
		b.WriteString(body)
		b.WriteString("\n```\n")
	} else {
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.String()
}

func looksLikeCode(body string) bool {
	if strings.Contains(body, "```") {
		return false
	}
	lines := strings.Split(body, "\n")
	codeLike := 0
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(l, "\t") || strings.HasPrefix(l, "    ") ||
			strings.HasSuffix(t, "{") || strings.HasSuffix(t, ";") || t == "}" {
			codeLike++
		}
	}
	return codeLike*2 > len(lines)
}

// toCSV accepts a JSON array of objects or comma/tab separated text.
func toCSV(content string) ([]byte, error) {
	trimmed := strings.TrimSpace(content)
	var (
		records [][]string
		err     error
	)
	if strings.HasPrefix(trimmed, "[") {
		records, err = jsonRecords(trimmed)
	} else {
		records, err = delimitedRecords(trimmed)
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func jsonRecords(content string) ([][]string, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, validationError("csv content must be a JSON array of objects: %v", err)
	}
	if len(rows) == 0 {
		return nil, validationError("csv content has no rows")
	}

	var columns []string
	for _, row := range rows {
		for k := range row {
			if !slices.Contains(columns, k) {
				columns = append(columns, k)
			}
		}
	}
	slices.Sort(columns)

	records := make([][]string, 0, len(rows)+1)
	records = append(records, columns)
	for _, row := range rows {
		rec := make([]string, len(columns))
		for i, col := range columns {
			rec[i] = cell(row[col])
		}
		records = append(records, rec)
	}
	return records, nil
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func delimitedRecords(content string) ([][]string, error) {
	firstLine, _, _ := strings.Cut(content, "\n")
	r := csv.NewReader(strings.NewReader(content))
	if strings.Contains(firstLine, "\t") {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, validationError("parse delimited content: %v", err)
	}
	if len(records) == 0 {
		return nil, validationError("csv content has no rows")
	}
	return records, nil
}

// toJSON re-indents a single JSON value.
func toJSON(content string) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, validationError("content is not valid JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, validationError("content has trailing data after the JSON value")
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return append(out, '\n'), nil
}
