// internal/lending/handler.go
package lending

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

// Routes mounts the lending endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/loans/{bookID}", h.HandleIssue)
	r.Post("/loans/{recordID}/return", h.HandleReturn)
	r.Get("/loans/{recordID}", h.HandleGetRecord)
	r.Get("/borrowers/{borrowerID}/loans", h.HandleListBorrowerLoans)
}

func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	record, err := h.service.IssueBook(r.Context(), bookID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		http.Error(w, "invalid record ID", http.StatusBadRequest)
		return
	}

	record, err := h.service.ReturnBook(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		http.Error(w, "invalid record ID", http.StatusBadRequest)
		return
	}

	record, err := h.service.GetRecord(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

func (h *Handler) HandleListBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	borrowerID, err := uuid.Parse(chi.URLParam(r, "borrowerID"))
	if err != nil {
		http.Error(w, "invalid borrower ID", http.StatusBadRequest)
		return
	}

	records, err := h.service.ListBorrowerRecords(r.Context(), borrowerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// writeError maps each error kind to a distinct status so callers can react
// deterministically without parsing messages.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound), errors.Is(err, ErrRecordNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrBookUnavailable), errors.Is(err, ErrAlreadyReturned):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrBorrowerNotFound):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
