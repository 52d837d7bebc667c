package fetch

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// PyPIFetcher reads package descriptions from the PyPI JSON API. PyPI has no
// search endpoint, so keywords and locators are both package names.
type PyPIFetcher struct {
	client  *HTTPClient
	baseURL string
	maxDocs int
}

func NewPyPIFetcher(client *HTTPClient, baseURL string, maxDocs int) *PyPIFetcher {
	return &PyPIFetcher{client: client, baseURL: strings.TrimRight(baseURL, "/"), maxDocs: maxDocs}
}

func (f *PyPIFetcher) Name() string { return "pypi" }

type pypiResponse struct {
	Info struct {
		Name        string `json:"name"`
		Version     string `json:"version"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		PackageURL  string `json:"package_url"`
	} `json:"info"`
}

func (f *PyPIFetcher) Fetch(ctx context.Context, req Request) iter.Seq2[models.RawDocument, error] {
	return func(yield func(models.RawDocument, error) bool) {
		emitted := 0
		for _, name := range uniq(req.Locators, req.Keywords) {
			if f.maxDocs > 0 && emitted >= f.maxDocs {
				return
			}
			var resp pypiResponse
			err := f.client.GetJSON(ctx, f.baseURL+"/pypi/"+url.PathEscape(name)+"/json", nil, &resp)
			if errors.Is(err, ErrRejected) {
				slog.Warn("package not found", "source", f.Name(), "package", name)
				continue
			}
			if err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}

			text := joinNonEmpty(resp.Info.Summary, resp.Info.Description)
			if text == "" {
				continue
			}
			locator := resp.Info.PackageURL
			if locator == "" {
				locator = f.baseURL + "/project/" + name + "/"
			}
			emitted++
			doc := models.RawDocument{
				Source:    f.Name(),
				Locator:   locator,
				Title:     strings.TrimSpace(resp.Info.Name + " " + resp.Info.Version),
				Text:      text,
				FetchedAt: time.Now().UTC(),
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// NPMFetcher reads package READMEs from an npm registry. Keywords run a
// registry search; locators are package names.
type NPMFetcher struct {
	client  *HTTPClient
	baseURL string
	maxDocs int
}

func NewNPMFetcher(client *HTTPClient, baseURL string, maxDocs int) *NPMFetcher {
	return &NPMFetcher{client: client, baseURL: strings.TrimRight(baseURL, "/"), maxDocs: maxDocs}
}

func (f *NPMFetcher) Name() string { return "npm" }

type npmSearchResponse struct {
	Objects []struct {
		Package struct {
			Name string `json:"name"`
		} `json:"package"`
	} `json:"objects"`
}

type npmPackument struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Readme      string            `json:"readme"`
	DistTags    map[string]string `json:"dist-tags"`
}

func (f *NPMFetcher) Fetch(ctx context.Context, req Request) iter.Seq2[models.RawDocument, error] {
	return func(yield func(models.RawDocument, error) bool) {
		names := uniq(req.Locators)
		if q := strings.TrimSpace(strings.Join(req.Keywords, " ")); q != "" {
			params := url.Values{"text": {q}}
			if f.maxDocs > 0 {
				params.Set("size", strconv.Itoa(min(f.maxDocs, 250)))
			}
			var resp npmSearchResponse
			if err := f.client.GetJSON(ctx, f.baseURL+"/-/v1/search?"+params.Encode(), nil, &resp); err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}
			found := make([]string, 0, len(resp.Objects))
			for _, o := range resp.Objects {
				found = append(found, o.Package.Name)
			}
			names = uniq(names, found)
		}

		emitted := 0
		for _, name := range names {
			if f.maxDocs > 0 && emitted >= f.maxDocs {
				return
			}
			var pkg npmPackument
			err := f.client.GetJSON(ctx, f.baseURL+"/"+url.PathEscape(name), nil, &pkg)
			if errors.Is(err, ErrRejected) {
				slog.Warn("package not found", "source", f.Name(), "package", name)
				continue
			}
			if err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}

			text := joinNonEmpty(pkg.Description, pkg.Readme)
			if text == "" {
				continue
			}
			title := pkg.Name
			if v := pkg.DistTags["latest"]; v != "" {
				title += " " + v
			}
			emitted++
			doc := models.RawDocument{
				Source:    f.Name(),
				Locator:   "https://www.npmjs.com/package/" + pkg.Name,
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

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
