// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libris/internal/catalog"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/loans", h.handleBorrow)
	r.Get("/loans", h.handleListLoans)
	r.Post("/loans/{id}/return", h.handleReturn)
	r.Post("/loans/{id}/renew", h.handleRenew)
	r.Post("/fines/{id}/pay", h.handlePayFine)
	return r
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  uuid.UUID `json:"user_id"`
		TitleID uuid.UUID `json:"title_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.Borrow(r.Context(), req.UserID, req.TitleID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}

	var req struct {
		StaffID uuid.UUID `json:"staff_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.Return(r.Context(), loanID, req.StaffID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}

	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.Renew(r.Context(), loanID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loan)
}

func (h *Handler) handlePayFine(w http.ResponseWriter, r *http.Request) {
	fineID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid fine id", http.StatusBadRequest)
		return
	}

	var req struct {
		ActorID uuid.UUID `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fine, err := h.service.PayFine(r.Context(), fineID, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fine)
}

func (h *Handler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	filter := LoanFilter{}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		filter.UserID = &id
	}
	if raw := r.URL.Query().Get("title_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid title_id", http.StatusBadRequest)
			return
		}
		filter.TitleID = &id
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := LoanStatus(raw)
		filter.Status = &status
	}

	loans, err := h.service.ListLoans(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loans)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrLoanNotFound), errors.Is(err, ErrFineNotFound),
		errors.Is(err, catalog.ErrTitleNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotBorrower):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, catalog.ErrNoAvailableCopy), errors.Is(err, ErrAlreadyReturned),
		errors.Is(err, ErrLoanOverdue), errors.Is(err, ErrUnpaidFines),
		errors.Is(err, ErrFineAlreadyPaid):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
