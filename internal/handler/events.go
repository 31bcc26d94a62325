package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/ingest"
)

const maxEventBody = 1 << 20

// PayloadHandler runs raw object-created notifications through ingest.
type PayloadHandler interface {
	HandlePayload(ctx context.Context, body []byte) ([]ingest.Report, error)
}

type EventHandler struct {
	ingest PayloadHandler
}

func NewEventHandler(ingest PayloadHandler) *EventHandler {
	return &EventHandler{ingest: ingest}
}

type eventResponse struct {
	Received int             `json:"received"`
	Reports  []ingest.Report `json:"reports"`
}

// ObjectCreated handles the object store webhook synchronously. Per-object
// failures are recorded on the records and echoed in the reports; only an
// unreadable payload is an HTTP error.
func (h *EventHandler) ObjectCreated(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.Validation("ingest", "event payload too large"))
			return
		}
		slog.Error("failed to read webhook payload", "error", err)
		writeError(w, r, apperr.Validation("ingest", "failed to read payload"))
		return
	}
	defer func() {
		closeErr := r.Body.Close()
		if closeErr != nil {
			slog.Error("failed to close request body", "error", closeErr)
		}
	}()

	reports, err := h.ingest.HandlePayload(r.Context(), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []ingest.Report{}
	}
	writeJSON(w, http.StatusOK, eventResponse{Received: len(reports), Reports: reports})
}
