package handler

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/corpusflow/internal/api/response"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

var unsafeFilename = regexp.MustCompile(`[^\w.\- ]+`)

var extensions = map[string]string{
	jobs.FormatMarkdown: ".md",
	jobs.FormatCSV:      ".csv",
	jobs.FormatJSON:     ".json",
}

// ArtifactsHandler serves generated artifacts.
type ArtifactsHandler struct {
	store store.Store
}

func NewArtifactsHandler(s store.Store) *ArtifactsHandler {
	return &ArtifactsHandler{store: s}
}

// Download handles GET /api/v1/artifacts/{artifactID}. The body is the raw
// artifact with its stored content type.
func (h *ArtifactsHandler) Download(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "artifactID")
	if !ok {
		return
	}
	a, err := h.store.GetArtifact(r.Context(), id)
	if err == nil && a.OwnerID != owner {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Attachment(w, a.ContentType, filename(a), a.Content)
}

func filename(a *models.Artifact) string {
	name := strings.TrimSpace(unsafeFilename.ReplaceAllString(a.Title, "_"))
	if name == "" {
		name = "artifact"
	}
	return name + extensions[a.Format]
}
