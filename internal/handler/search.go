package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/service"
)

const maxSearchUpload = 512<<20 + 1<<20

type SearchHandler struct {
	query *service.QueryService
	media *service.MediaService
}

func NewSearchHandler(query *service.QueryService, media *service.MediaService) *SearchHandler {
	return &SearchHandler{query: query, media: media}
}

// Search takes {"Crow": 2, "Pigeon": 1} as an AND query with minimum
// counts, or {"Crow": null, "Pigeon": null} as an OR query.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body map[string]json.RawMessage
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	counts := make(map[string]int, len(body))
	var species []string
	for name, raw := range body {
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			species = append(species, name)
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			writeError(w, r, apperr.Validation("search", "count for %q must be an integer or null", name))
			return
		}
		counts[name] = n
	}

	var result *service.SearchPage
	switch {
	case len(species) > 0 && len(counts) > 0:
		err = apperr.Validation("search", "mix of counts and nulls: use counts for AND, nulls for OR")
	case len(species) > 0:
		result, err = h.query.SearchAny(r.Context(), principal(r), species, page)
	default:
		result, err = h.query.SearchAll(r.Context(), principal(r), counts, page)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type speciesRequest struct {
	Species []string `json:"species"`
}

func (h *SearchHandler) SearchSpecies(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req speciesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.query.SearchAny(r.Context(), principal(r), req.Species, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Thumbnails lists detected records that have a preview.
func (h *SearchHandler) Thumbnails(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.query.WithThumbnails(r.Context(), principal(r), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SearchFile detects species in an uploaded file, without storing it, and
// returns records containing any of them.
func (h *SearchHandler) SearchFile(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSearchUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.Validation("search.file", "file too large"))
			return
		}
		writeError(w, r, apperr.Validation("search.file", "invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, r, apperr.Validation("search.file", "file is required"))
		return
	}

	result, err := h.media.SearchByFile(r.Context(), principal(r), files[0], page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resolveRequest struct {
	DerivedAssetPath string `json:"derivedAssetPath"`
}

func (h *SearchHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.query.Resolve(r.Context(), principal(r), strings.TrimSpace(req.DerivedAssetPath))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *SearchHandler) SpeciesStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.SpeciesStats(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
