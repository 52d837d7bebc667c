package handler

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/corpusflow/internal/api/response"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/retrieval"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// CorpusHandler serves corpus inspection, maintenance and queries.
type CorpusHandler struct {
	corpus    corpus.Store
	retriever *retrieval.Retriever
	manager   *jobs.Manager
}

func NewCorpusHandler(cs corpus.Store, r *retrieval.Retriever, m *jobs.Manager) *CorpusHandler {
	return &CorpusHandler{corpus: cs, retriever: r, manager: m}
}

type sourceInfo struct {
	Source     string `json:"source"`
	Chunks     int    `json:"chunks"`
	Registered bool   `json:"registered"`
}

// Sources handles GET /api/v1/corpus/sources. Registered sources without
// chunks are listed with a zero count.
func (h *CorpusHandler) Sources(w http.ResponseWriter, r *http.Request) {
	stats, err := h.corpus.SourceStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	registered := h.manager.Sources()

	names := slices.Clone(registered)
	for s := range stats {
		if !slices.Contains(names, s) {
			names = append(names, s)
		}
	}
	slices.Sort(names)

	out := make([]sourceInfo, 0, len(names))
	for _, s := range names {
		out = append(out, sourceInfo{Source: s, Chunks: stats[s], Registered: slices.Contains(registered, s)})
	}
	response.JSON(w, out)
}

type rebuildRequest struct {
	Keywords       []string `json:"keywords"`
	Locators       []string `json:"locators"`
	EmbeddingModel string   `json:"embedding_model"`
}

// Rebuild handles POST /api/v1/corpus/sources/{source}/rebuild: clear the
// source, then queue a corpus_index job for it.
func (h *CorpusHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	source := chi.URLParam(r, "source")
	if !slices.Contains(h.manager.Sources(), source) {
		response.Error(w, http.StatusNotFound, "UNKNOWN_SOURCE", "Unknown source "+source, nil)
		return
	}
	var req rebuildRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	payload, err := json.Marshal(models.CorpusIndexPayload{
		Sources:        []string{source},
		Keywords:       req.Keywords,
		Locators:       req.Locators,
		EmbeddingModel: req.EmbeddingModel,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	deleted, err := h.corpus.DeleteBySource(r.Context(), source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(r)

	job, err := h.manager.Submit(r.Context(), jobs.SubmitRequest{
		OwnerID: owner,
		Kind:    models.JobKindCorpusIndex,
		Payload: payload,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Accepted(w, map[string]any{
		"source":  source,
		"deleted": deleted,
		"job":     submitResponse{ID: job.ID, Kind: job.Kind, Status: job.Status, CreatedAt: job.CreatedAt},
	})
}

// Delete handles DELETE /api/v1/corpus/sources/{source}.
func (h *CorpusHandler) Delete(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	deleted, err := h.corpus.DeleteBySource(r.Context(), source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(r)
	response.JSON(w, map[string]any{"source": source, "deleted": deleted})
}

type queryRequest struct {
	Query  string `json:"query"`
	K      int    `json:"k"`
	Source string `json:"source"`
}

type queryHit struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Query handles POST /api/v1/corpus/query.
func (h *CorpusHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	hits, err := h.retriever.Retrieve(r.Context(), req.Query, req.K, req.Source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]queryHit, len(hits))
	for i, hit := range hits {
		out[i] = queryHit{
			ID:       hit.Chunk.ID,
			Source:   hit.Chunk.Source,
			Text:     hit.Chunk.Text,
			Score:    hit.Score,
			Metadata: hit.Chunk.Metadata,
		}
	}
	response.JSON(w, map[string]any{
		"query":   req.Query,
		"k":       h.retriever.K(req.K),
		"results": out,
	})
}

type askRequest struct {
	Question string `json:"question"`
	K        int    `json:"k"`
	Source   string `json:"source"`
}

// Ask handles POST /api/v1/corpus/ask.
func (h *CorpusHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ans, err := h.retriever.Ask(r.Context(), req.Question, req.K, req.Source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, ans)
}

func (h *CorpusHandler) invalidate(r *http.Request) {
	if err := h.retriever.Invalidate(r.Context()); err != nil {
		// Entries expire on their own TTL.
		writeLog(r, "retrieval cache invalidation failed", err)
	}
}
