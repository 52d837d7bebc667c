package fetch

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// GitHubFetcher indexes repository READMEs. Keywords run a repository search;
// locators are "owner/repo" or github.com URLs.
type GitHubFetcher struct {
	client  *HTTPClient
	cfg     config.GitHubConfig
	maxDocs int
}

func NewGitHubFetcher(client *HTTPClient, cfg config.GitHubConfig, maxDocs int) *GitHubFetcher {
	return &GitHubFetcher{client: client, cfg: cfg, maxDocs: maxDocs}
}

func (f *GitHubFetcher) Name() string { return "github" }

type ghRepo struct {
	FullName    string `json:"full_name"`
	HTMLURL     string `json:"html_url"`
	Description string `json:"description"`
}

type ghSearchResponse struct {
	Items []ghRepo `json:"items"`
}

func (f *GitHubFetcher) Fetch(ctx context.Context, req Request) iter.Seq2[models.RawDocument, error] {
	return func(yield func(models.RawDocument, error) bool) {
		repos := make([]ghRepo, 0)
		for _, loc := range uniq(req.Locators) {
			if name := repoName(loc); name != "" {
				repos = append(repos, ghRepo{FullName: name, HTMLURL: "https://github.com/" + name})
			}
		}

		if q := strings.TrimSpace(strings.Join(req.Keywords, " ")); q != "" {
			params := url.Values{"q": {q}, "sort": {"stars"}}
			if f.maxDocs > 0 {
				params.Set("per_page", strconv.Itoa(min(f.maxDocs, 100)))
			}
			var resp ghSearchResponse
			if err := f.client.GetJSON(ctx, f.base()+"/search/repositories?"+params.Encode(), f.header("application/vnd.github+json"), &resp); err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}
			repos = append(repos, resp.Items...)
		}

		seen := make(map[string]struct{})
		emitted := 0
		for _, repo := range repos {
			key := strings.ToLower(repo.FullName)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if f.maxDocs > 0 && emitted >= f.maxDocs {
				return
			}

			readme, err := f.client.Get(ctx, f.base()+"/repos/"+repo.FullName+"/readme", f.header("application/vnd.github.raw"))
			if errors.Is(err, ErrRejected) {
				slog.Warn("repository has no readable README", "source", f.Name(), "repo", repo.FullName, "error", err)
				continue
			}
			if err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}

			text := strings.TrimSpace(string(readme))
			if repo.Description != "" {
				text = repo.Description + "\n\n" + text
			}
			if text == "" {
				continue
			}
			emitted++
			doc := models.RawDocument{
				Source:    f.Name(),
				Locator:   repo.HTMLURL,
				Title:     repo.FullName,
				Text:      text,
				FetchedAt: time.Now().UTC(),
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (f *GitHubFetcher) base() string {
	return strings.TrimRight(f.cfg.BaseURL, "/")
}

func (f *GitHubFetcher) header(accept string) http.Header {
	h := http.Header{"Accept": {accept}, "X-GitHub-Api-Version": {"2022-11-28"}}
	if f.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+f.cfg.Token)
	}
	return h
}

// repoName extracts "owner/repo" from a locator, or returns "".
func repoName(loc string) string {
	loc = strings.TrimSuffix(strings.TrimSpace(loc), ".git")
	if u, err := url.Parse(loc); err == nil && u.Host != "" {
		loc = u.Path
	}
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
