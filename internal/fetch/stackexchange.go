package fetch

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

var questionIDPattern = regexp.MustCompile(`(?:^|/questions/)(\d+)`)

// StackExchangeFetcher searches questions on a StackExchange site. Keywords
// become the search query; locators are question ids or question URLs.
type StackExchangeFetcher struct {
	client  *HTTPClient
	cfg     config.StackExchangeConfig
	maxDocs int
}

func NewStackExchangeFetcher(client *HTTPClient, cfg config.StackExchangeConfig, maxDocs int) *StackExchangeFetcher {
	if cfg.Site == "" {
		cfg.Site = "stackoverflow"
	}
	return &StackExchangeFetcher{client: client, cfg: cfg, maxDocs: maxDocs}
}

func (f *StackExchangeFetcher) Name() string { return "stackoverflow" }

type seQuestion struct {
	QuestionID int      `json:"question_id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Link       string   `json:"link"`
	Tags       []string `json:"tags"`
	Score      int      `json:"score"`
	IsAnswered bool     `json:"is_answered"`
}

type seResponse struct {
	Items          []seQuestion `json:"items"`
	HasMore        bool         `json:"has_more"`
	QuotaRemaining int          `json:"quota_remaining"`
	ErrorID        int          `json:"error_id"`
	ErrorMessage   string       `json:"error_message"`
}

func (f *StackExchangeFetcher) Fetch(ctx context.Context, req Request) iter.Seq2[models.RawDocument, error] {
	return func(yield func(models.RawDocument, error) bool) {
		var urls []string
		if ids := questionIDs(req.Locators); len(ids) > 0 {
			urls = append(urls, f.endpoint("/questions/"+strings.Join(ids, ";"), nil))
		}
		if q := strings.TrimSpace(strings.Join(req.Keywords, " ")); q != "" {
			urls = append(urls, f.endpoint("/search/advanced", url.Values{
				"q":     {q},
				"order": {"desc"},
				"sort":  {"relevance"},
			}))
		}

		seen := make(map[int]struct{})
		emitted := 0
		for _, u := range urls {
			var resp seResponse
			if err := f.client.GetJSON(ctx, u, nil, &resp); err != nil {
				yield(models.RawDocument{}, sourceErr(f.Name(), err))
				return
			}
			if resp.ErrorID != 0 {
				yield(models.RawDocument{}, sourceErr(f.Name(),
					fmt.Errorf("%w: api error %d: %s", ErrRejected, resp.ErrorID, resp.ErrorMessage)))
				return
			}

			for _, q := range resp.Items {
				if _, dup := seen[q.QuestionID]; dup {
					continue
				}
				seen[q.QuestionID] = struct{}{}
				if f.maxDocs > 0 && emitted >= f.maxDocs {
					return
				}
				text := htmlFragmentText(q.Body)
				if text == "" {
					continue
				}
				if len(q.Tags) > 0 {
					text += "\n\nTags: " + strings.Join(q.Tags, ", ")
				}
				emitted++
				doc := models.RawDocument{
					Source:    f.Name(),
					Locator:   q.Link,
					Title:     htmlFragmentText(q.Title),
					Text:      text,
					FetchedAt: time.Now().UTC(),
				}
				if !yield(doc, nil) {
					return
				}
			}
		}
	}
}

func (f *StackExchangeFetcher) endpoint(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("site", f.cfg.Site)
	params.Set("filter", "withbody")
	if f.maxDocs > 0 {
		params.Set("pagesize", strconv.Itoa(min(f.maxDocs, 100)))
	}
	if f.cfg.Key != "" {
		params.Set("key", f.cfg.Key)
	}
	return strings.TrimRight(f.cfg.BaseURL, "/") + path + "?" + params.Encode()
}

func questionIDs(locators []string) []string {
	var ids []string
	for _, loc := range uniq(locators) {
		if m := questionIDPattern.FindStringSubmatch(loc); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}
