package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/ctxkeys"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/service"
)

const maxJSONBody = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps err onto the JSON error body. Unclassified errors are
// logged and reported as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", ctxkeys.RequestID(r.Context()),
		)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(apperr.KindOf(err)),
		Message: apperr.Message(err),
	}})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer func() {
		closeErr := r.Body.Close()
		if closeErr != nil {
			slog.Debug("failed to close request body", "error", closeErr)
		}
	}()

	err := json.NewDecoder(r.Body).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return apperr.Validation("request", "request body too large")
	case errors.Is(err, io.EOF):
		return apperr.Validation("request", "request body is required")
	case err != nil:
		return apperr.Validation("request", "invalid JSON body: %v", err)
	}
	return nil
}

func principal(r *http.Request) model.Principal {
	p, _ := ctxkeys.Principal(r.Context())
	return p
}

func pageFromQuery(r *http.Request) (service.Page, error) {
	q := r.URL.Query()
	page := service.Page{Token: q.Get("nextToken")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page, apperr.Validation("search", "limit must be an integer")
		}
		if n <= 0 {
			return page, apperr.Validation("search", "limit must be positive")
		}
		page.Limit = n
	}
	return page, nil
}
