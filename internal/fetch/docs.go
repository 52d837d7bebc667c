package fetch

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// DocsFetcher reads documentation pages from configured seed URLs plus any
// request locators. Pages that do not mention a keyword are skipped.
type DocsFetcher struct {
	client  *HTTPClient
	seeds   []string
	maxDocs int
}

func NewDocsFetcher(client *HTTPClient, seeds []string, maxDocs int) *DocsFetcher {
	return &DocsFetcher{client: client, seeds: seeds, maxDocs: maxDocs}
}

func (f *DocsFetcher) Name() string { return "docs" }

func (f *DocsFetcher) Fetch(ctx context.Context, req Request) iter.Seq2[models.RawDocument, error] {
	return func(yield func(models.RawDocument, error) bool) {
		emitted := 0
		for _, url := range uniq(f.seeds, req.Locators) {
			if f.maxDocs > 0 && emitted >= f.maxDocs {
				return
			}
			body, err := f.client.Get(ctx, url, http.Header{"Accept": {"text/html"}})
			if errors.Is(err, ErrRejected) {
				slog.Warn("skipping documentation page", "source", f.Name(), "url", url, "error", err)
				continue
			}
			if err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}

			title, text, err := extractHTML(bytes.NewReader(body))
			if err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}
			if text == "" || !matchesAny(title+"\n"+text, req.Keywords) {
				continue
			}
			if title == "" {
				title = url
			}

			emitted++
			doc := models.RawDocument{
				Source:    f.Name(),
				Locator:   url,
				Title:     title,
				Text:      text,
				FetchedAt: time.Now().UTC(),
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}
