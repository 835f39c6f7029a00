// internal/catalog/handler.go
package catalog

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/titles", h.handleAddTitle)
	r.Get("/titles/{id}", h.handleGetTitle)
	r.Delete("/titles/{id}", h.handleRemoveTitle)
	r.Post("/copies/{id}/report", h.handleReportCopy)
	return r
}

func (h *Handler) handleAddTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID  uuid.UUID `json:"actor_id"`
		Title    string    `json:"title"`
		Author   string    `json:"author"`
		Category string    `json:"category"`
		Copies   int       `json:"copies"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	title, err := h.service.AddTitle(r.Context(), req.ActorID, req.Title, req.Author, req.Category, req.Copies)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(title)
}

func (h *Handler) handleGetTitle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid title id", http.StatusBadRequest)
		return
	}

	title, availability, err := h.service.GetTitle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		*Title
		Availability *Availability `json:"availability"`
	}{title, availability})
}

func (h *Handler) handleRemoveTitle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid title id", http.StatusBadRequest)
		return
	}
	actorID, _ := uuid.Parse(r.URL.Query().Get("actor_id"))

	if err := h.service.RemoveTitle(r.Context(), actorID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReportCopy(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid copy id", http.StatusBadRequest)
		return
	}

	var req struct {
		ActorID uuid.UUID  `json:"actor_id"`
		Status  CopyStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	copy, err := h.service.ReportCopy(r.Context(), req.ActorID, id, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(copy)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrTitleNotFound), errors.Is(err, ErrCopyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNoAvailableCopy), errors.Is(err, ErrCopyOnLoan):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
