package handler

import (
	"net/http"

	"github.com/birdtag/birdtag/internal/service"
)

type TagHandler struct {
	tags *service.TagService
}

func NewTagHandler(tags *service.TagService) *TagHandler {
	return &TagHandler{tags: tags}
}

type tagUpdateRequest struct {
	RecordIDs []string             `json:"recordIds"`
	Operation service.TagOperation `json:"operation"`
	Entries   []string             `json:"entries"`
}

// Update applies the same tag entries to many records. Per-record failures
// are reported in the body; the status is 200 unless the request itself is
// invalid.
func (h *TagHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req tagUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.tags.BulkMutate(r.Context(), principal(r), req.RecordIDs, req.Operation, req.Entries)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
