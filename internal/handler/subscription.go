package handler

import (
	"net/http"

	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/service"
)

type SubscriptionHandler struct {
	subs *service.SubscriptionService
}

func NewSubscriptionHandler(subs *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs}
}

type subscriptionRequest struct {
	Contact string `json:"contact"`
	Species string `json:"species"`
}

func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sub, created, err := h.subs.Subscribe(r.Context(), principal(r), req.Contact, req.Species)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sub)
}

func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	err := h.subs.Unsubscribe(r.Context(), principal(r), req.Contact, req.Species)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionList struct {
	Subscriptions []*model.Subscription `json:"subscriptions"`
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context(), principal(r), r.URL.Query().Get("contact"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subscriptionList{Subscriptions: subs})
}
