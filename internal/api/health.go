package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/isometry/ipa-tuura/internal/domain"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Domain    string    `json:"domain,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// healthHandler reports liveness and the active domain. A database failure
// makes the service unhealthy; having no domain does not.
func healthHandler(store DomainStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC()}

		rec, err := store.Get(r.Context())
		switch {
		case err == nil:
			resp.Domain = rec.Name
			resp.Provider = string(rec.Provider)
		case errors.Is(err, domain.ErrNotFound):
		default:
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
