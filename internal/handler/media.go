package handler

import (
	"net/http"

	"github.com/birdtag/birdtag/internal/service"
)

type MediaHandler struct {
	media *service.MediaService
}

func NewMediaHandler(media *service.MediaService) *MediaHandler {
	return &MediaHandler{media: media}
}

func (h *MediaHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.media.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *MediaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.media.Delete(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type presignRequest struct {
	Filename string `json:"filename"`
}

func (h *MediaHandler) PresignUpload(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ticket, err := h.media.PresignUpload(r.Context(), principal(r), req.Filename)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}
