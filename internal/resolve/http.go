package resolve

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/predex/market-engine/internal/store"
)

// HandleResolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.ContractID = chi.URLParam(r, "marketID")

	m, err := s.Resolve(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidResolution), errors.Is(err, ErrBadPercentages):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrNotCreator):
			writeError(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, ErrAlreadyResolved):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "not found", http.StatusNotFound)
		case errors.Is(err, store.ErrRetriable):
			writeError(w, err.Error(), http.StatusServiceUnavailable)
		default:
			writeError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(m)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
